package ffn

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/ishine/rtp-llm/types/tensors"
)

func denseIO(input []float32, tokens, hidden int) (outputs, inputs *tensors.Map, out *tensors.Tensor) {
	out = tensors.FromFlatDataAndDimensions(make([]float32, tokens*hidden), tokens, hidden)
	outputs = tensors.NewMap().Set(KeyFfnOutput, out)
	inputs = tensors.NewMap().Set(KeyFfnInput, tensors.FromFlatDataAndDimensions(input, tokens, hidden))
	return
}

func TestDenseRelu(t *testing.T) {
	d := NewDense(Config{HeadNum: 1, SizePerHead: 2, InterSize: 2, Activation: ActivationRelu})
	w := &Weights{
		Gate: tensors.FromFlatDataAndDimensions([]float32{1, -1, 1, 1}, 2, 2),
		Down: tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 1}, 2, 2),
	}

	outputs, inputs, out := denseIO([]float32{1, 2}, 1, 2)
	require.NoError(t, d.Forward(outputs, inputs, w))
	// x·Gate = [3, 1], relu keeps both, identity Down.
	require.Equal(t, []float32{3, 1}, tensors.CopyFlatData[float32](out))

	// A bias shifting the pre-activation below zero gets clipped by relu.
	w.GateBias = tensors.FromFlatDataAndDimensions([]float32{-2, -2}, 2)
	outputs, inputs, out = denseIO([]float32{1, 2}, 1, 2)
	require.NoError(t, d.Forward(outputs, inputs, w))
	require.Equal(t, []float32{1, 0}, tensors.CopyFlatData[float32](out))
}

func TestDenseGatedSilu(t *testing.T) {
	d := NewDense(Config{HeadNum: 1, SizePerHead: 2, InterSize: 2, Activation: ActivationSilu})
	identity := []float32{1, 0, 0, 1}
	w := &Weights{
		Gate: tensors.FromFlatDataAndDimensions([]float32{1, -1, 1, 1}, 2, 2),
		Up:   tensors.FromFlatDataAndDimensions(identity, 2, 2),
		Down: tensors.FromFlatDataAndDimensions(identity, 2, 2),
	}

	outputs, inputs, out := denseIO([]float32{1, 2}, 1, 2)
	require.NoError(t, d.Forward(outputs, inputs, w))
	// silu([3, 1]) ⊙ [1, 2] with identity Down.
	got := tensors.CopyFlatData[float32](out)
	require.InDelta(t, 2.857722, got[0], 1e-5)
	require.InDelta(t, 1.462117, got[1], 1e-5)
}

func TestDensePerLayerInterSize(t *testing.T) {
	d := NewDense(Config{
		HeadNum: 1, SizePerHead: 2,
		InterSize:      2,
		LayerInterSize: []int64{2, 4},
		Activation:     ActivationRelu,
	})
	w := &Weights{
		Gate: tensors.FromFlatDataAndDimensions([]float32{1, 0, 1, 0, 0, 1, 0, 1}, 2, 4),
		Down: tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 1, 1, 0, 0, 1}, 4, 2),
	}

	out := tensors.FromFlatDataAndDimensions(make([]float32, 2), 1, 2)
	outputs := tensors.NewMap().Set(KeyFfnOutput, out)
	inputs := tensors.NewMap().
		Set(KeyFfnInput, tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2)).
		Set(KeyLayerID, tensors.FromScalar(int32(1)))
	require.NoError(t, d.Forward(outputs, inputs, w))
	require.Equal(t, []float32{2, 4}, tensors.CopyFlatData[float32](out))

	// The same weights don't fit layer 0, whose intermediate size is 2.
	inputs0 := tensors.NewMap().
		Set(KeyFfnInput, tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2)).
		Set(KeyLayerID, tensors.FromScalar(int32(0)))
	require.ErrorContains(t, d.Forward(outputs, inputs0, w), "gate weight")
}

func TestDenseFloat16(t *testing.T) {
	d := NewDense(Config{HeadNum: 1, SizePerHead: 2, InterSize: 2, Activation: ActivationRelu})
	f16 := func(values []float32, dims ...int) *tensors.Tensor {
		flat := make([]float16.Float16, len(values))
		for ii, v := range values {
			flat[ii] = float16.Fromfloat32(v)
		}
		return tensors.FromFlatDataAndDimensions(flat, dims...)
	}
	w := &Weights{
		Gate: f16([]float32{1, -1, 1, 1}, 2, 2),
		Down: f16([]float32{1, 0, 0, 1}, 2, 2),
	}

	out := f16(make([]float32, 2), 1, 2)
	outputs := tensors.NewMap().Set(KeyFfnOutput, out)
	inputs := tensors.NewMap().Set(KeyFfnInput, f16([]float32{1, 2}, 1, 2))
	require.NoError(t, d.Forward(outputs, inputs, w))

	got := tensors.CopyFlatData[float16.Float16](out)
	require.InDelta(t, 3.0, got[0].Float32(), 1e-2)
	require.InDelta(t, 1.0, got[1].Float32(), 1e-2)
}

func TestDenseErrors(t *testing.T) {
	d := NewDense(Config{HeadNum: 1, SizePerHead: 2, InterSize: 2, Activation: ActivationRelu})
	w := &Weights{
		Gate: tensors.FromFlatDataAndDimensions([]float32{1, -1, 1, 1}, 2, 2),
		Down: tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 1}, 2, 2),
	}

	out := tensors.FromFlatDataAndDimensions(make([]float32, 2), 1, 2)
	in := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2)

	err := d.Forward(tensors.NewMap(), tensors.NewMap().Set(KeyFfnInput, in), w)
	require.ErrorContains(t, err, `missing required key "ffn_output"`)

	err = d.Forward(tensors.NewMap().Set(KeyFfnOutput, out), tensors.NewMap(), w)
	require.ErrorContains(t, err, `missing required key "ffn_input"`)

	// Token count mismatch between input and output.
	in2 := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	out1 := tensors.FromFlatDataAndDimensions(make([]float32, 2), 1, 2)
	err = d.Forward(tensors.NewMap().Set(KeyFfnOutput, out1),
		tensors.NewMap().Set(KeyFfnInput, in2), w)
	require.ErrorContains(t, err, "ffn_output")
}

func TestDenseClone(t *testing.T) {
	d := NewDense(Config{HeadNum: 1, SizePerHead: 2, InterSize: 2, Activation: ActivationRelu})
	w := &Weights{
		Gate: tensors.FromFlatDataAndDimensions([]float32{1, -1, 1, 1}, 2, 2),
		Down: tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 1}, 2, 2),
	}
	outputs, inputs, _ := denseIO([]float32{1, 2}, 1, 2)
	require.NoError(t, d.Forward(outputs, inputs, w))
	require.NotNil(t, d.inter, "forward populates the working buffers")

	clone := d.Clone().(*Dense)
	require.Equal(t, d.cfg, clone.cfg)
	require.Nil(t, clone.inter, "clones own fresh working state")
}
