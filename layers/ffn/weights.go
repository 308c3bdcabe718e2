package ffn

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"github.com/ishine/rtp-llm/backends"
	"github.com/ishine/rtp-llm/types/tensors"
)

// Weights is the weight bundle for the local FFN compute step. Its lifecycle
// is tied to model load; the layer only forwards a reference to it.
//
// For a tensor-parallel layer the weights are pre-sliced to this worker's
// share (see ShardInter): Gate and Up are split along their output
// (intermediate) axis, Down along its input axis.
type Weights struct {
	// Gate projects activations into the intermediate dimension:
	// [hiddenUnits, interSize].
	Gate *tensors.Tensor

	// Up is the second intermediate projection used by gated activations
	// (e.g. SwiGLU): [hiddenUnits, interSize]. Nil for non-gated FFNs.
	Up *tensors.Tensor

	// Down projects back into the model dimension: [interSize, hiddenUnits].
	Down *tensors.Tensor

	// GateBias and UpBias, when present, have shape [interSize]. An output
	// bias is deliberately not part of the bundle: it would have to be added
	// after the cross-worker reduction, which belongs to the caller.
	GateBias *tensors.Tensor
	UpBias   *tensors.Tensor
}

// ShardInter returns the given worker's slice of globally-shaped FFN weights:
// Gate/Up columns and biases [rank*localInter, (rank+1)*localInter), Down
// rows over the same range. localInter is derived with LocalDim, so an
// indivisible intermediate size fails fatally here, before any forward call.
func ShardInter(w *Weights, topo backends.Topology) *Weights {
	switch w.Gate.DType() {
	case dtypes.Float32:
		return shardInterOf[float32](w, topo)
	case dtypes.Float16:
		return shardInterOf[float16.Float16](w, topo)
	default:
		exceptions.Panicf("ffn.ShardInter: unsupported weights dtype %s", w.Gate.DType())
		return nil
	}
}

func shardInterOf[T dtypes.Supported](w *Weights, topo backends.Topology) *Weights {
	interSize := w.Gate.Shape().Dim(1)
	localInter := LocalDim(interSize, topo.WorldSize)
	out := &Weights{
		Gate: shardColumns[T](w.Gate, topo.Rank, localInter),
		Down: shardRows[T](w.Down, topo.Rank, localInter),
	}
	if w.Up != nil {
		out.Up = shardColumns[T](w.Up, topo.Rank, localInter)
	}
	if w.GateBias != nil {
		out.GateBias = shardVector[T](w.GateBias, topo.Rank, localInter)
	}
	if w.UpBias != nil {
		out.UpBias = shardVector[T](w.UpBias, topo.Rank, localInter)
	}
	return out
}

// shardColumns slices columns [rank*localInter, (rank+1)*localInter) of a
// [rows, cols] weight matrix.
func shardColumns[T dtypes.Supported](t *tensors.Tensor, rank, localInter int) *tensors.Tensor {
	t.Shape().AssertRank(2)
	rows, cols := t.Shape().Dim(0), t.Shape().Dim(1)
	local := make([]T, rows*localInter)
	tensors.ConstFlatData(t, func(flat []T) {
		for row := 0; row < rows; row++ {
			copy(local[row*localInter:(row+1)*localInter],
				flat[row*cols+rank*localInter:row*cols+(rank+1)*localInter])
		}
	})
	return tensors.FromFlatDataAndDimensions(local, rows, localInter)
}

// shardRows slices rows [rank*localInter, (rank+1)*localInter) of a
// [rows, cols] weight matrix.
func shardRows[T dtypes.Supported](t *tensors.Tensor, rank, localInter int) *tensors.Tensor {
	t.Shape().AssertRank(2)
	cols := t.Shape().Dim(1)
	local := make([]T, localInter*cols)
	tensors.ConstFlatData(t, func(flat []T) {
		copy(local, flat[rank*localInter*cols:(rank+1)*localInter*cols])
	})
	return tensors.FromFlatDataAndDimensions(local, localInter, cols)
}

// shardVector slices [rank*localInter, (rank+1)*localInter) of a [n] bias vector.
func shardVector[T dtypes.Supported](t *tensors.Tensor, rank, localInter int) *tensors.Tensor {
	t.Shape().AssertRank(1)
	local := make([]T, localInter)
	tensors.ConstFlatData(t, func(flat []T) {
		copy(local, flat[rank*localInter:(rank+1)*localInter])
	})
	return tensors.FromFlatDataAndDimensions(local, localInter)
}
