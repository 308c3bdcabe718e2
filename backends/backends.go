// Package backends defines the interfaces a communication backend needs to
// implement for tensor-parallel execution: an ordered compute stream, a
// collective group with a blocking sum-reduction, and an optional custom
// all-reduce with buffer-swap negotiation.
//
// One worker corresponds to one rank of a fixed-size group; true parallelism
// exists across workers, not within a worker's forward call. A single
// controlling goroutine per worker issues asynchronous operations onto one
// Stream; operations on the same stream execute in issue order.
//
// The in-process, pure-Go implementation lives in backends/goccl. Backends
// register themselves with Register, and groups are created with NewGroup.
package backends

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ishine/rtp-llm/types/tensors"
)

// Topology identifies a worker within a fixed group of cooperating workers.
//
// WorldSize is identical and fixed for the lifetime of the group, and
// Rank < WorldSize holds for every worker.
type Topology struct {
	Rank      int
	WorldSize int
}

// Check returns an error if the topology is malformed.
func (t Topology) Check() error {
	if t.WorldSize < 1 {
		return errors.Errorf("topology has world size %d, must be >= 1", t.WorldSize)
	}
	if t.Rank < 0 || t.Rank >= t.WorldSize {
		return errors.Errorf("topology rank %d out of range [0, %d)", t.Rank, t.WorldSize)
	}
	return nil
}

// String implements fmt.Stringer.
func (t Topology) String() string {
	return fmt.Sprintf("rank %d/%d", t.Rank, t.WorldSize)
}

// Stream is an ordered queue of asynchronous device operations: each operation
// begins only after prior operations on the same stream completed. The
// issuing goroutine does not block on Enqueue.
//
// Errors from enqueued operations are sticky: the first failure is recorded,
// subsequent operations are skipped, and the error surfaces at the next
// Synchronize -- never silently swallowed.
type Stream interface {
	// Enqueue adds op to the stream. It never blocks on the op itself.
	Enqueue(op func() error)

	// Synchronize blocks until all enqueued operations completed, and returns
	// the first recorded error, if any. It is the stream's error check point.
	Synchronize() error
}

// Comm is one rank's handle into a collective group, exposing the blocking
// sum-reduction used to reconcile per-worker partial results.
type Comm interface {
	// Topology returns this handle's rank and the group's world size.
	Topology() Topology

	// AllReduceSum enqueues onto stream an element-wise sum-reduction over the
	// first count elements of flat across all ranks of the group, writing the
	// reduced sum back into flat on every rank.
	//
	// flat must be a slice of a supported element type, identical in type and
	// count across ranks. The enqueued operation blocks its stream until all
	// participating ranks have issued their corresponding call; a missing or
	// mismatched peer call blocks indefinitely -- call-site symmetry across
	// workers is the caller's responsibility.
	AllReduceSum(flat any, count int, stream Stream) error
}

// CustomAllReduce is an optional, pluggable alternative to Comm's generic
// sum-reduction: it reduces in place on memory it manages, eliminating the
// extra device-to-device copy a "copy in, reduce, copy out" design would pay.
type CustomAllReduce interface {
	// SwapInternalBuffer asks the backend to substitute each tensor's backing
	// storage with backend-managed memory sized to exactly count elements, if
	// and only if the backend judges the swap safe and beneficial for this
	// call. It returns whether the swap (and therefore the custom reduction
	// path) was accepted. On acceptance each tensor reads and writes through
	// the backend's memory (see tensors.Tensor.BorrowStorage) for the
	// remainder of the call.
	SwapInternalBuffer(ts []*tensors.Tensor, count int) bool

	// AllReduce enqueues onto stream the in-place reduction over count
	// elements of the backend's memory. Only valid after a successful
	// SwapInternalBuffer for the same count.
	AllReduce(count int, stream Stream) error
}
