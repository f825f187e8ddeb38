package domain

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// LogLine is one line of build, pull or container output.
type LogLine struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// LogStream delivers lines produced by a blocking reader on a channel.
// The channel closes when the producer finishes or the stream is closed;
// Err is meaningful afterwards. Close releases the underlying reader and is
// safe to call more than once.
type LogStream struct {
	lines  chan LogLine
	done   chan struct{}
	cancel context.CancelFunc
	closer io.Closer
	err    error
	closed atomic.Bool
	once   sync.Once
}

// NewLogStream runs produce on its own goroutine. emit returns false once the
// stream is closed; produce should then return promptly. When ctx ends the
// closer is closed to unblock any pending read.
func NewLogStream(ctx context.Context, closer io.Closer, produce func(ctx context.Context, emit func(LogLine) bool) error) *LogStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &LogStream{
		lines:  make(chan LogLine),
		done:   make(chan struct{}),
		cancel: cancel,
		closer: closer,
	}

	if closer != nil {
		go func() {
			<-ctx.Done()
			_ = closer.Close()
		}()
	}

	go func() {
		defer close(s.done)
		defer cancel()
		err := produce(ctx, func(l LogLine) bool {
			select {
			case s.lines <- l:
				return true
			case <-ctx.Done():
				return false
			}
		})
		switch {
		case s.closed.Load():
			err = nil
		case ctx.Err() != nil:
			err = ctx.Err()
		}
		s.err = err
		close(s.lines)
	}()
	return s
}

// Lines returns the receive side of the stream.
func (s *LogStream) Lines() <-chan LogLine {
	return s.lines
}

// Err returns the producer's error. It blocks until the producer returns.
func (s *LogStream) Err() error {
	<-s.done
	return s.err
}

// Drain hands every remaining line to fn and returns the producer's error.
func (s *LogStream) Drain(fn func(LogLine)) error {
	for l := range s.lines {
		fn(l)
	}
	return s.Err()
}

func (s *LogStream) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		for range s.lines {
		}
		<-s.done
	})
	return nil
}
