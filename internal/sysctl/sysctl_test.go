package sysctl

import (
	"os"
	"testing"
)

func TestInBackgroundModeReadsEnvVar(t *testing.T) {
	const key = "DAEMONPROXY_TEST_BACKGROUND"
	os.Unsetenv(key)
	t.Cleanup(func() { os.Unsetenv(key) })

	if InBackgroundMode(key) {
		t.Fatal("expected false when unset")
	}

	os.Setenv(key, "true")
	if !InBackgroundMode(key) {
		t.Fatal("expected true when set to \"true\"")
	}

	os.Setenv(key, "yes")
	if InBackgroundMode(key) {
		t.Fatal("expected false for any value other than \"true\"")
	}
}

func TestUmaskRoundTrips(t *testing.T) {
	prev := Umask(0022)
	t.Cleanup(func() { Umask(prev) })

	restored := Umask(prev)
	if restored != 0022 {
		t.Fatalf("Umask returned %o, want the value just installed (022)", restored)
	}
}

func TestMaskSignalsForForkReturnsUsableRestore(t *testing.T) {
	restore, err := MaskSignalsForFork(os.Interrupt)
	if err != nil {
		t.Fatalf("MaskSignalsForFork: %v", err)
	}
	if restore == nil {
		t.Fatal("expected a non-nil restore function")
	}
	restore()
}
