package main

import (
	"reflect"
	"testing"
)

func TestParseFlagsRecognizesShortAndLongForms(t *testing.T) {
	opts, _, err := parseFlags([]string{"-i", "-S", "/tmp/sock", "-M", "-F", "-vv", "-q"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if !opts.Interactive || !opts.Mlockall || !opts.Failsafe {
		t.Fatalf("opts = %+v, want Interactive/Mlockall/Failsafe all true", opts)
	}
	if opts.SocketPath != "/tmp/sock" {
		t.Fatalf("SocketPath = %q, want /tmp/sock", opts.SocketPath)
	}
	if opts.Verbose != 2 || opts.Quiet != 1 {
		t.Fatalf("Verbose=%d Quiet=%d, want 2 and 1", opts.Verbose, opts.Quiet)
	}
}

func TestParseFlagsCollectsExecOnExitArgv(t *testing.T) {
	opts, _, err := parseFlags([]string{"-i", "-E", "/bin/cleanup", "--reason", "shutdown"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	want := []string{"/bin/cleanup", "--reason", "shutdown"}
	if !reflect.DeepEqual(opts.ExecOnExit, want) {
		t.Fatalf("ExecOnExit = %v, want %v", opts.ExecOnExit, want)
	}
}

func TestParseFlagsRejectsUnknownFlag(t *testing.T) {
	if _, _, err := parseFlags([]string{"--does-not-exist"}); err == nil {
		t.Fatal("parseFlags: want an error for an unrecognized flag")
	}
}

func TestParseFlagsAcceptsBootstrapPoolFlags(t *testing.T) {
	opts, _, err := parseFlags([]string{"-i", "--fd-pool.count", "128"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if !opts.Interactive {
		t.Fatal("Interactive = false, want true")
	}
}
