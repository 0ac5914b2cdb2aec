// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"fmt"
	"io"
	"os"
)

// logItem is either a message to write or a flush barrier (data nil,
// ack non-nil). Routing both through the one channel, rather than a
// separate select case, keeps a Sync call ordered after every write
// enqueued ahead of it.
type logItem struct {
	data []byte
	ack  chan struct{}
}

// AsyncLogger decouples a writer (typically a lumberjack.Logger doing
// rotation and its own blocking disk I/O) from the supervisor's event
// loop: Write enqueues onto a bounded channel and returns immediately;
// a single goroutine drains it to the underlying writer. A full buffer
// drops the message and reports it on stderr rather than blocking the
// caller, so a stalled disk can never stall the event loop.
type AsyncLogger struct {
	out      io.Writer
	messages chan logItem
	done     chan struct{}
}

// NewAsyncLogger starts the drain goroutine and returns a ready-to-use
// logger writing through to out, buffering up to bufSize messages.
func NewAsyncLogger(out io.Writer, bufSize int) *AsyncLogger {
	if bufSize <= 0 {
		bufSize = 1
	}
	l := &AsyncLogger{
		out:      out,
		messages: make(chan logItem, bufSize),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *AsyncLogger) run() {
	defer close(l.done)
	for item := range l.messages {
		if item.ack != nil {
			close(item.ack)
			continue
		}
		if _, err := l.out.Write(item.data); err != nil {
			fmt.Fprintf(os.Stderr, "asynclogger: write failed: %v\n", err)
		}
	}
}

// Write implements io.Writer. p is copied before enqueuing since the
// caller may reuse its buffer.
func (l *AsyncLogger) Write(p []byte) (int, error) {
	msg := make([]byte, len(p))
	copy(msg, p)
	select {
	case l.messages <- logItem{data: msg}:
		return len(p), nil
	default:
		fmt.Fprintln(os.Stderr, "asynclogger: log buffer is full, dropping message.")
		return len(p), nil
	}
}

// Sync blocks until every write enqueued before this call has reached
// out. Unlike Write, the barrier itself is never dropped: callers use
// it sparingly (tests, shutdown), not from the event loop's hot path.
func (l *AsyncLogger) Sync() {
	ack := make(chan struct{})
	l.messages <- logItem{ack: ack}
	<-ack
}

// Close stops accepting writes, drains whatever is already queued, and
// waits for the drain goroutine to finish.
func (l *AsyncLogger) Close() error {
	close(l.messages)
	<-l.done
	if closer, ok := l.out.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
