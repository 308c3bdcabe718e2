package goccl

import (
	"reflect"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ishine/rtp-llm/backends"
	"github.com/ishine/rtp-llm/types/tensors"
)

// OneShot is one rank's handle to the custom all-reduce: a single-exchange
// reduction over staging buffers the backend owns, negotiated per call
// through the buffer-swap protocol. It implements backends.CustomAllReduce.
//
// The swap lets the local FFN compute write its partial result directly into
// the staging buffer, so the reduction needs no copy in or out of it. The
// negotiation accepts only operands up to the staging capacity fixed at
// construction; larger calls fall back to the group's generic reduction.
//
// Its lifecycle is tied to the worker-group session, not to any layer
// instance: construct it once per group with NewOneShot and inject it into
// each layer that should use it.
type OneShot struct {
	shared *oneShotShared
	rank   int

	// staging is this rank's backend-owned buffer, []T of the shared dtype
	// with maxElems elements. Output tensors alias it after a swap.
	staging any

	// scratch is a private accumulator, same type and capacity as staging.
	scratch any

	// swapped is the element count of the currently negotiated swap, or 0.
	swapped int
}

type oneShotShared struct {
	session  string
	dtype    dtypes.DType
	maxElems int
	barrier  *barrier
	stagings []any
}

var _ backends.CustomAllReduce = (*OneShot)(nil)

// NewOneShot allocates the staging memory for a one-shot all-reduce over the
// given group and returns one handle per rank. maxElems bounds the operand
// size the backend will accept a buffer swap for; dtype fixes the element
// type of the staging buffers.
func NewOneShot(group *Group, dtype dtypes.DType, maxElems int) ([]*OneShot, error) {
	if maxElems < 1 {
		return nil, errors.Errorf("goccl: one-shot all-reduce needs maxElems >= 1, got %d", maxElems)
	}
	if _, ok := flatLen(reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), 0, 0).Interface()); !ok {
		return nil, errors.Errorf("goccl: one-shot all-reduce does not support dtype %s", dtype)
	}
	shared := &oneShotShared{
		session:  group.Session(),
		dtype:    dtype,
		maxElems: maxElems,
		barrier:  newBarrier(group.WorldSize()),
		stagings: make([]any, group.WorldSize()),
	}
	handles := make([]*OneShot, group.WorldSize())
	for rank := range handles {
		staging := reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), maxElems, maxElems).Interface()
		shared.stagings[rank] = staging
		handles[rank] = &OneShot{
			shared:  shared,
			rank:    rank,
			staging: staging,
			scratch: reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), maxElems, maxElems).Interface(),
		}
	}
	klog.V(1).Infof("goccl: one-shot all-reduce for group %s, %s staging per rank",
		shared.session, humanize.Bytes(uint64(uintptr(maxElems)*dtype.Memory())))
	return handles, nil
}

// SwapInternalBuffer substitutes the tensor's backing storage with this
// rank's staging buffer if the operand fits and matches the staging element
// type. It returns whether the swap -- and therefore the custom reduction
// path for this call -- was accepted.
func (s *OneShot) SwapInternalBuffer(ts []*tensors.Tensor, count int) bool {
	bytes := uint64(uintptr(count) * s.shared.dtype.Memory())
	if count <= 0 || count > s.shared.maxElems {
		klog.V(2).Infof("goccl: rank %d declined buffer swap of %s (%d elements > %d staging capacity)",
			s.rank, humanize.Bytes(bytes), count, s.shared.maxElems)
		return false
	}
	if len(ts) != 1 {
		klog.V(2).Infof("goccl: rank %d declined buffer swap of %d tensors, single operand supported", s.rank, len(ts))
		return false
	}
	t := ts[0]
	if t.DType() != s.shared.dtype || t.Size() != count {
		klog.V(2).Infof("goccl: rank %d declined buffer swap: tensor %s does not match staging (%s, %d elements)",
			s.rank, t, s.shared.dtype, count)
		return false
	}
	t.BorrowStorage(sliceCount(s.staging, count))
	s.swapped = count
	klog.V(2).Infof("goccl: rank %d accepted buffer swap of %s (%d elements)", s.rank, humanize.Bytes(bytes), count)
	return true
}

// AllReduce enqueues the in-place one-shot reduction over count elements of
// the staging buffers. It requires a successful SwapInternalBuffer for the
// same count earlier in the call.
func (s *OneShot) AllReduce(count int, stream backends.Stream) error {
	if s.swapped != count {
		return errors.Errorf("goccl: one-shot all-reduce of %d elements without a matching buffer swap (negotiated %d)",
			count, s.swapped)
	}
	s.swapped = 0 // the swap is negotiated per call
	stream.Enqueue(func() error {
		return s.reduce(count)
	})
	return nil
}

// reduce runs one round of the one-shot reduction: every rank sums all
// staging buffers into its private scratch, then copies the sum back over its
// own staging. The leading barrier guarantees all partial results landed in
// the staging buffers; the trailing one that nobody overwrites a staging
// buffer a peer is still reading from.
func (s *OneShot) reduce(count int) error {
	shared := s.shared
	contribs := make([]any, len(shared.stagings))
	for rank, staging := range shared.stagings {
		contribs[rank] = sliceCount(staging, count)
	}
	shared.barrier.await()
	err := sumSlicesInto(s.scratch, contribs, count)
	shared.barrier.await()
	if err != nil {
		return errors.WithMessagef(err, "goccl: one-shot all-reduce failed on group %s", shared.session)
	}
	copyCount(s.staging, s.scratch, count)
	return nil
}

// sliceCount returns flat[:count] without losing the concrete slice type.
func sliceCount(flat any, count int) any {
	return reflect.ValueOf(flat).Slice(0, count).Interface()
}
