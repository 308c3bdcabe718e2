package goccl

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Element types supported by the goccl reductions. Float16 accumulates in
// float32 to avoid drift from repeated half-precision rounding.

// flatLen returns the length of a supported flat slice.
func flatLen(flat any) (int, bool) {
	switch v := flat.(type) {
	case []float32:
		return len(v), true
	case []float64:
		return len(v), true
	case []int32:
		return len(v), true
	case []float16.Float16:
		return len(v), true
	default:
		return 0, false
	}
}

// sumSlices returns the element-wise sum of the first count elements of the
// given flat slices, which must all share the supported element type.
func sumSlices(contribs []any, count int) (any, error) {
	switch contribs[0].(type) {
	case []float32:
		return sumSlicesOf[float32](contribs, count)
	case []float64:
		return sumSlicesOf[float64](contribs, count)
	case []int32:
		return sumSlicesOf[int32](contribs, count)
	case []float16.Float16:
		return sumSlicesF16(contribs, count)
	default:
		return nil, errors.Errorf("unsupported element type %T for all-reduce", contribs[0])
	}
}

func sumSlicesOf[T constraints.Integer | constraints.Float](contribs []any, count int) ([]T, error) {
	sum := make([]T, count)
	for rank, contrib := range contribs {
		flat, ok := contrib.([]T)
		if !ok {
			return nil, errors.Errorf("operand type mismatch: rank 0 reduces %T, rank %d reduces %T",
				contribs[0], rank, contrib)
		}
		if rank == 0 {
			copy(sum, flat[:count])
			continue
		}
		for ii, v := range flat[:count] {
			sum[ii] += v
		}
	}
	return sum, nil
}

func sumSlicesF16(contribs []any, count int) ([]float16.Float16, error) {
	acc := make([]float32, count)
	for rank, contrib := range contribs {
		flat, ok := contrib.([]float16.Float16)
		if !ok {
			return nil, errors.Errorf("operand type mismatch: rank 0 reduces %T, rank %d reduces %T",
				contribs[0], rank, contrib)
		}
		for ii, v := range flat[:count] {
			acc[ii] += v.Float32()
		}
	}
	sum := make([]float16.Float16, count)
	for ii, v := range acc {
		sum[ii] = float16.Fromfloat32(v)
	}
	return sum, nil
}

// sumSlicesInto is the allocation-free variant used by the one-shot
// all-reduce: it sums the first count elements of contribs into dst, which
// must not alias any contribution.
func sumSlicesInto(dst any, contribs []any, count int) error {
	switch d := dst.(type) {
	case []float32:
		return sumSlicesIntoOf(d, contribs, count)
	case []float64:
		return sumSlicesIntoOf(d, contribs, count)
	case []int32:
		return sumSlicesIntoOf(d, contribs, count)
	case []float16.Float16:
		sum, err := sumSlicesF16(contribs, count)
		if err != nil {
			return err
		}
		copy(d[:count], sum)
		return nil
	default:
		return errors.Errorf("unsupported element type %T for all-reduce", dst)
	}
}

func sumSlicesIntoOf[T constraints.Integer | constraints.Float](dst []T, contribs []any, count int) error {
	for rank, contrib := range contribs {
		flat, ok := contrib.([]T)
		if !ok {
			return errors.Errorf("operand type mismatch: rank 0 reduces %T, rank %d reduces %T",
				contribs[0], rank, contrib)
		}
		if rank == 0 {
			copy(dst[:count], flat[:count])
			continue
		}
		for ii, v := range flat[:count] {
			dst[ii] += v
		}
	}
	return nil
}

// copyCount copies the first count elements of src into dst. Both must be
// slices of the same element type.
func copyCount(dst, src any, count int) {
	reflect.Copy(reflect.ValueOf(dst).Slice(0, count), reflect.ValueOf(src).Slice(0, count))
}
