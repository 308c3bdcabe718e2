package ffn

import (
	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"
)

// LocalDim returns the per-worker share of a dimension partitioned evenly
// across worldSize workers.
//
// It panics -- a fatal configuration error, surfaced at construction time --
// if globalDim is not evenly divisible by worldSize. Partition validity is
// never deferred to forward-call time.
func LocalDim[T constraints.Integer](globalDim, worldSize T) T {
	if worldSize < 1 {
		exceptions.Panicf("ffn: world size must be >= 1, got %d", int64(worldSize))
	}
	if globalDim%worldSize != 0 {
		exceptions.Panicf("ffn: intermediate size %d is not divisible by world size %d",
			int64(globalDim), int64(worldSize))
	}
	return globalDim / worldSize
}

// LocalDims applies LocalDim element-wise to a per-layer dimension list,
// preserving order and length. A nil list means "no per-layer override" and
// returns nil.
func LocalDims[T constraints.Integer](globalDims []T, worldSize T) []T {
	if globalDims == nil {
		return nil
	}
	local := make([]T, len(globalDims))
	for ii, dim := range globalDims {
		local[ii] = LocalDim(dim, worldSize)
	}
	return local
}
