// Package shapes defines Shape and associated tools.
//
// Shape represents the shape (rank, dimensions and DType) of a device tensor.
// DType, the type of the unit element of a tensor, is taken from
// github.com/gomlx/gopjrt/dtypes; float16 support comes from
// github.com/x448/float16.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension on a multidimensional tensor.
//   - Dimension: the size of a tensor in one of its axes.
//   - Scalar: a shape with no axes, only a single value of the associated DType.
//
// Example: activations for 4 tokens of a model with 8 hidden units form a
// tensor of shape `(Float32)[4 8]`: rank 2, axis 0 with dimension 4 (tokens)
// and axis 1 with dimension 8 (hidden units). It is created with
// `shapes.Make(dtypes.Float32, 4, 8)`.
//
// The assert variants (AssertRank, AssertDims) panic when the shape doesn't
// match, and serve as inline documentation of the expected shapes at the
// entry of the forward paths.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the shape of a tensor: its element type and the dimension
// of each of its axes.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// It panics if any dimension is <= 0 -- use a rank-0 shape (no dimensions)
// for scalars.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given Go type.
func Scalar[T dtypes.Number]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar: no axes (rank 0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axis values count
// from the end, so Dim(-1) is the dimension of the last axis.
//
// It panics for an out-of-bounds axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Size returns the total number of elements of the shape. A scalar has size 1.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes needed to store an array of the given shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Clone makes a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Equal compares two shapes for equality of dtype and dimensions.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer and pretty-prints the shape.
func (s Shape) String() string {
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "(%s)[", s.DType)
	for ii, dim := range s.Dimensions {
		if ii > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", dim)
	}
	b.WriteByte(']')
	return b.String()
}
