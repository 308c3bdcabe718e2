// Package goccl implements the backends communication interfaces in pure Go,
// for workers that live as goroutines of one process.
//
// It is the in-process counterpart of a device collective library: each rank
// gets its own Comm handle and Stream, collectives rendezvous on a cyclic
// barrier, and the optional one-shot all-reduce (see NewOneShot) reduces in
// place on staging buffers it owns, negotiated per call through the
// buffer-swap protocol.
//
// It is registered under the name "goccl" and is picked up by
// backends.NewGroup when imported.
package goccl

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ishine/rtp-llm/backends"
)

// BackendName to be used in RTPLLM_COMM_BACKEND to select this backend.
const BackendName = "goccl"

func init() {
	backends.Register(BackendName, New)
}

// New constructs a Group of worldSize in-process workers.
// There are no configurations, the string is simply ignored.
func New(_ string, worldSize int) (backends.Group, error) {
	return NewGroup(worldSize)
}

// NewGroup constructs a *Group of worldSize in-process workers.
func NewGroup(worldSize int) (*Group, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("goccl: world size must be >= 1, got %d", worldSize)
	}
	g := &Group{
		session:   uuid.NewString(),
		worldSize: worldSize,
		barrier:   newBarrier(worldSize),
		contribs:  make([]any, worldSize),
		counts:    make([]int, worldSize),
	}
	klog.V(1).Infof("goccl: created group %s with %d workers", g.session, worldSize)
	return g, nil
}

// Group is a fixed set of in-process workers. It implements backends.Group.
//
// The group itself carries no per-call state other than the rendezvous slots
// used while a reduction is in flight; Comm handles share it read-only.
type Group struct {
	session   string
	worldSize int
	barrier   *barrier
	finalized atomic.Bool

	// Rendezvous slots for the generic sum-reduction. contribs[rank] and
	// counts[rank] are written by rank before the first barrier of a round;
	// result and reduceErr are written by rank 0 between the barriers.
	contribs  []any
	counts    []int
	result    any
	reduceErr error
}

var _ backends.Group = (*Group)(nil)

// WorldSize returns the fixed number of workers in the group.
func (g *Group) WorldSize() int { return g.worldSize }

// Session returns the unique identifier of this group's lifetime.
func (g *Group) Session() string { return g.session }

// Comm returns the communication handle for the given rank.
func (g *Group) Comm(rank int) (backends.Comm, error) {
	topo := backends.Topology{Rank: rank, WorldSize: g.worldSize}
	if err := topo.Check(); err != nil {
		return nil, errors.WithMessagef(err, "goccl: group %s", g.session)
	}
	return &comm{group: g, topo: topo}, nil
}

// Finalize makes the group invalid. Workers must not be mid-collective.
func (g *Group) Finalize() {
	if g.finalized.Swap(true) {
		return
	}
	klog.V(1).Infof("goccl: finalized group %s", g.session)
}

// comm is one rank's handle into a Group. It implements backends.Comm.
type comm struct {
	group *Group
	topo  backends.Topology
}

// Topology returns this handle's rank and the group's world size.
func (c *comm) Topology() backends.Topology { return c.topo }

// AllReduceSum enqueues onto stream the element-wise sum across all ranks of
// the first count elements of flat, written back into flat on every rank.
//
// The enqueued operation blocks its stream until every rank of the group has
// issued its corresponding call.
func (c *comm) AllReduceSum(flat any, count int, stream backends.Stream) error {
	n, ok := flatLen(flat)
	if !ok {
		return errors.Errorf("goccl: all-reduce does not support element type %T", flat)
	}
	if count <= 0 || count > n {
		return errors.Errorf("goccl: all-reduce count %d out of range for buffer of %d elements", count, n)
	}
	if c.group.finalized.Load() {
		return errors.Errorf("goccl: group %s already finalized", c.group.session)
	}
	klog.V(2).Infof("goccl: %s enqueueing all-reduce of %d elements", c.topo, count)
	stream.Enqueue(func() error {
		return c.group.reduce(c.topo.Rank, flat, count)
	})
	return nil
}

// reduce runs one round of the rendezvous sum-reduction. It is called from
// every rank's stream, and holds the rank at the barrier until all peers of
// the group arrive.
func (g *Group) reduce(rank int, flat any, count int) error {
	g.contribs[rank] = flat
	g.counts[rank] = count
	g.barrier.await()
	if rank == 0 {
		g.result, g.reduceErr = g.sumContribs()
	}
	g.barrier.await()
	if g.reduceErr != nil {
		return errors.WithMessagef(g.reduceErr, "goccl: all-reduce failed on group %s", g.session)
	}
	copyCount(flat, g.result, count)
	return nil
}

// sumContribs validates that all ranks contributed operands of the same type
// and count, and returns their element-wise sum. Only rank 0 calls it,
// between the two barriers of a reduction round.
func (g *Group) sumContribs() (any, error) {
	count := g.counts[0]
	for rank, c := range g.counts {
		if c != count {
			return nil, errors.Errorf("operand size mismatch: rank 0 reduces %d elements, rank %d reduces %d",
				count, rank, c)
		}
	}
	return sumSlices(g.contribs, count)
}
