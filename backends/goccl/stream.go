package goccl

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ishine/rtp-llm/backends"
)

// streamQueueDepth bounds how far the issuing goroutine can run ahead of the
// stream worker before Enqueue starts applying back-pressure.
const streamQueueDepth = 64

// Stream is an ordered queue of asynchronous operations, executed one at a
// time in issue order by a dedicated worker goroutine. It implements
// backends.Stream.
//
// Errors are sticky: after the first failed operation all subsequent
// operations are skipped, and the error surfaces at the next Synchronize.
type Stream struct {
	tasks   chan func()
	pending sync.WaitGroup

	mu  sync.Mutex
	err error
}

var _ backends.Stream = (*Stream)(nil)

// NewStream creates a Stream and starts its worker goroutine.
// Call Finalize when done to release the worker.
func NewStream() *Stream {
	s := &Stream{tasks: make(chan func(), streamQueueDepth)}
	go s.worker()
	return s
}

func (s *Stream) worker() {
	for task := range s.tasks {
		task()
	}
}

// Enqueue adds op to the stream. It does not wait for op to run.
func (s *Stream) Enqueue(op func() error) {
	s.pending.Add(1)
	s.tasks <- func() {
		defer s.pending.Done()
		if s.Err() != nil {
			return
		}
		if err := op(); err != nil {
			s.setErr(err)
		}
	}
}

// Synchronize blocks until all enqueued operations completed and returns the
// first recorded error, if any.
func (s *Stream) Synchronize() error {
	s.pending.Wait()
	return s.Err()
}

// Err returns the sticky stream error, without synchronizing.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = errors.WithMessage(err, "stream operation failed")
	}
}

// Finalize stops the stream's worker goroutine. The stream must not be used
// after this call.
func (s *Stream) Finalize() {
	close(s.tasks)
}
