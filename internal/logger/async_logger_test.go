package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func newTempRotatingLog(t *testing.T) *lumberjack.Logger {
	t.Helper()
	dir := t.TempDir()
	return &lumberjack.Logger{Filename: filepath.Join(dir, "daemonproxy.log")}
}

func captureStderr(t *testing.T, f func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stderr = w
	defer func() { os.Stderr = orig }()

	f()
	w.Close()

	var buf bytes.Buffer
	io.Copy(&buf, r)
	r.Close()
	return buf.String()
}

func TestAsyncLoggerRelaysServiceTransitionLinesInOrder(t *testing.T) {
	lj := newTempRotatingLog(t)
	al := NewAsyncLogger(lj, 10)

	fmt.Fprintln(al, "service.state svc-a start up")
	fmt.Fprintln(al, "service.state svc-b down reaped")
	al.Sync()

	content, err := os.ReadFile(lj.Filename)
	require.NoError(t, err)
	want := "service.state svc-a start up\nservice.state svc-b down reaped\n"
	assert.Equal(t, want, string(content))

	require.NoError(t, al.Close())
}

func TestAsyncLoggerSyncObservesPriorWritesOnly(t *testing.T) {
	lj := newTempRotatingLog(t)
	al := NewAsyncLogger(lj, 10)
	t.Cleanup(func() { al.Close() })

	fmt.Fprintln(al, "before sync")
	al.Sync()

	content, err := os.ReadFile(lj.Filename)
	require.NoError(t, err)
	assert.Equal(t, "before sync\n", string(content))

	fmt.Fprintln(al, "after sync")
	al.Sync()
	content, err = os.ReadFile(lj.Filename)
	require.NoError(t, err)
	assert.Equal(t, "before sync\nafter sync\n", string(content))
}

func TestAsyncLoggerDropsWhenQueueIsFull(t *testing.T) {
	lj := newTempRotatingLog(t)
	const bufSize = 2
	al := NewAsyncLogger(lj, bufSize)

	capturedOutput := captureStderr(t, func() {
		const n = 50
		for i := 0; i < n; i++ {
			fmt.Fprintf(al, "tick %d\n", i)
		}
		al.Sync()
	})

	assert.Contains(t, capturedOutput, "asynclogger: log buffer is full, dropping message.")
	require.NoError(t, al.Close())

	content, err := os.ReadFile(lj.Filename)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	assert.Less(t, len(lines), 50, "a full queue must drop some ticks rather than block the caller")
}

func TestAsyncLoggerCloseFlushesQueuedWritesAndClosesOut(t *testing.T) {
	lj := newTempRotatingLog(t)
	al := NewAsyncLogger(lj, 10)

	fmt.Fprintln(al, "final line")
	require.NoError(t, al.Close())

	content, err := os.ReadFile(lj.Filename)
	require.NoError(t, err)
	assert.Equal(t, "final line\n", string(content))
}
