package models

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	asyncFlushInterval = 25 * time.Millisecond
	asyncMaxChunks     = 1000
	asyncMaxBytes      = 64000
)

// AsyncStream batches writes to a slow WriteCloser on a background
// goroutine, so tracing an upcall never waits on the output file.
type AsyncStream struct {
	w     io.WriteCloser
	write chan []byte
	done  chan error

	mu     sync.Mutex
	closed bool
}

func NewAsyncStream(w io.WriteCloser) *AsyncStream {
	a := &AsyncStream{
		w:     w,
		write: make(chan []byte, asyncMaxChunks),
		done:  make(chan error, 1),
	}
	go a.run()
	return a
}

func (a *AsyncStream) run() {
	var buffer [][]byte
	var count int
	var werr error
	flush := func() {
		for _, p := range buffer {
			if werr != nil {
				break
			}
			_, werr = a.w.Write(p)
		}
		buffer = buffer[:0]
		count = 0
	}
	t := time.NewTicker(asyncFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			flush()
		case p, ok := <-a.write:
			if !ok {
				flush()
				if err := a.w.Close(); werr == nil {
					werr = err
				}
				a.done <- werr
				return
			}
			buffer = append(buffer, p)
			count += len(p)
			if len(buffer) > asyncMaxChunks || count > asyncMaxBytes {
				flush()
			}
		}
	}
}

func (a *AsyncStream) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, errors.New("async stream is closed")
	}
	a.write <- append([]byte(nil), p...)
	return len(p), nil
}

// Close flushes pending writes and closes the underlying writer, returning
// the first error either produced.
func (a *AsyncStream) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("async stream was already closed")
	}
	a.closed = true
	close(a.write)
	a.mu.Unlock()
	return <-a.done
}
