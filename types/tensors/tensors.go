// Package tensors implements Tensor, a shape-tagged flat buffer of values,
// and Map, an ordered set of named tensors.
//
// A Tensor models a device-memory-backed activation buffer: a memory kind
// (host or device), a shape (see github.com/ishine/rtp-llm/types/shapes) and
// a flat (1D) slice of the corresponding Go type holding the values.
//
// This package does not talk to accelerators itself: "device" storage is a Go
// slice owned either by the tensor or -- temporarily -- by a communication
// backend. The latter is the "borrowed storage" state: a custom all-reduce
// backend may substitute the tensor's backing storage with memory it manages
// (see Tensor.BorrowStorage), so that its reduction can operate in place
// without an extra device-to-device copy. The tensor handle is unaffected by
// the substitution; only the storage the accessors read and write changes.
package tensors

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/ishine/rtp-llm/types/shapes"
)

// MemoryKind tags where a tensor's storage conceptually lives.
type MemoryKind int

const (
	// MemoryHost is CPU-resident memory, used for small control operands
	// (layer indices, batch sizes) passed alongside activations.
	MemoryHost MemoryKind = iota

	// MemoryDevice is accelerator-resident memory, used for activations and
	// weights.
	MemoryDevice
)

// String implements fmt.Stringer.
func (k MemoryKind) String() string {
	switch k {
	case MemoryHost:
		return "host"
	case MemoryDevice:
		return "device"
	default:
		return fmt.Sprintf("MemoryKind(%d)", int(k))
	}
}

// Tensor is a shape-tagged flat buffer of values.
//
// The zero value is invalid; use FromShape, FromFlatDataAndDimensions or
// FromScalar to create one.
type Tensor struct {
	shape   shapes.Shape
	memKind MemoryKind

	// mu protects the storage fields, but not the shape, which is immutable.
	mu sync.Mutex

	// owned is the flat slice allocated for this tensor, always []T of the
	// Go type corresponding to shape.DType.
	owned any

	// borrowed, if not nil, is backend-managed storage substituted for owned
	// for the duration of a forward call. Same type constraints as owned.
	borrowed any
}

// FromShape returns a device-memory Tensor of the given shape, with zero-initialized storage.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	return &Tensor{
		shape:   shape.Clone(),
		memKind: MemoryDevice,
		owned:   reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size()).Interface(),
	}
}

// FromFlatDataAndDimensions returns a device-memory Tensor with the given
// dimensions, wrapping (not copying) the given flat data.
//
// It panics if len(data) doesn't match the size implied by the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions(): data has %d values, shape %s requires %d",
			len(data), shape, shape.Size())
	}
	return &Tensor{shape: shape, memKind: MemoryDevice, owned: data}
}

// FromScalar returns a host-memory scalar Tensor holding the given value.
// Used to wrap control scalars (layer index, batch size) into tensor form.
func FromScalar[T dtypes.Number](value T) *Tensor {
	return &Tensor{
		shape:   shapes.Scalar[T](),
		memKind: MemoryHost,
		owned:   []T{value},
	}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size is the number of elements of the tensor. Scalars have size 1.
func (t *Tensor) Size() int { return t.shape.Size() }

// Kind returns where the tensor's storage conceptually lives.
func (t *Tensor) Kind() MemoryKind { return t.memKind }

// Ok returns whether the tensor is valid and has storage attached.
func (t *Tensor) Ok() bool { return t != nil && t.shape.Ok() && t.owned != nil }

// AssertValid panics if the tensor is in an invalid state.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("Tensor is nil")
	}
	if !t.Ok() {
		exceptions.Panicf("Tensor is invalid (shape=%s)", t.shape)
	}
}

// String reports the shape and memory kind, not the contents.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor<%s, %s>", t.shape, t.memKind)
}

// storage returns the currently active flat slice: the borrowed one if a
// backend substituted the storage, the owned one otherwise.
// Callers must hold t.mu.
func (t *Tensor) storage() any {
	if t.borrowed != nil {
		return t.borrowed
	}
	return t.owned
}

// Data returns the currently active flat storage slice directly.
//
// This is the moral equivalent of taking the tensor's device pointer: the
// returned slice stays valid only until the storage is swapped by a backend
// (see BorrowStorage). Prefer ConstFlatData/MutableFlatData for scoped access.
func (t *Tensor) Data() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	return t.storage()
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go
// type corresponding to the DType. The tensor is locked until accessFn
// returns, and the data must not be modified.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.storage())
}

// MutableFlatData calls accessFn with the flattened data as a slice of the Go
// type corresponding to the DType. The contents of the slice may be changed
// until accessFn returns. The tensor is locked during the call.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.storage())
}

// ConstFlatData is the generics version of Tensor.ConstFlatData.
//
// It panics if T doesn't match the tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ConstFlatData[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
	}
	t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MutableFlatData is the generics version of Tensor.MutableFlatData.
//
// It panics if T doesn't match the tensor's DType.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("MutableFlatData[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
	}
	t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// AssignFlatData copies the values in fromFlat into the tensor's storage.
//
// It panics if the dtype doesn't match or if the size is wrong.
func AssignFlatData[T dtypes.Supported](toTensor *Tensor, fromFlat []T) {
	MutableFlatData(toTensor, func(toFlat []T) {
		if len(toFlat) != len(fromFlat) {
			var v T
			exceptions.Panicf("AssignFlatData[%T] is trying to store %d values into shape %s, which requires %d values",
				v, len(fromFlat), toTensor.Shape(), toTensor.Shape().Size())
		}
		copy(toFlat, fromFlat)
	})
}

// CopyFlatData returns a copy of the flat data of the tensor.
//
// It panics if T doesn't match the tensor's DType.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var flatCopy []T
	ConstFlatData(t, func(flat []T) {
		flatCopy = make([]T, len(flat))
		copy(flatCopy, flat)
	})
	return flatCopy
}

// ToScalar returns the scalar value of the tensor.
//
// It panics if T doesn't match the DType or if the tensor is not a scalar.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if !t.Shape().IsScalar() {
		var v T
		exceptions.Panicf("ToScalar[%T] requires scalar Tensor, got shape %s instead", v, t.Shape())
	}
	var value T
	ConstFlatData(t, func(flat []T) {
		value = flat[0]
	})
	return value
}

// BorrowStorage substitutes the tensor's backing storage with the given
// backend-managed flat slice. Reads and writes through the tensor go to the
// borrowed storage until ReturnStorage is called or another borrow replaces
// this one -- the owned storage keeps its stale contents meanwhile.
//
// flat must be a slice of the Go type corresponding to the tensor's DType,
// with exactly Size() elements.
func (t *Tensor) BorrowStorage(flat any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice || flatV.Type().Elem() != t.shape.DType.GoType() {
		exceptions.Panicf("Tensor.BorrowStorage(): storage of type %T is incompatible with dtype %s",
			flat, t.shape.DType)
	}
	if flatV.Len() != t.shape.Size() {
		exceptions.Panicf("Tensor.BorrowStorage(): storage has %d elements, shape %s requires %d",
			flatV.Len(), t.shape, t.shape.Size())
	}
	t.borrowed = flat
}

// ReturnStorage detaches any borrowed storage, re-attaching the tensor to its
// own buffer. The owned buffer's contents are whatever they were before the
// borrow -- values written while borrowed live in the backend's memory.
func (t *Tensor) ReturnStorage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.borrowed = nil
}

// IsBorrowed reports whether the tensor currently reads and writes through
// backend-managed storage.
func (t *Tensor) IsBorrowed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.borrowed != nil
}
