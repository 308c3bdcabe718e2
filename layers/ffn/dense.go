package ffn

import (
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/ishine/rtp-llm/types/tensors"
)

// Executor computes one worker's FFN output in device memory given sliced
// weights and input activations. For a tensor-parallel layer it operates on
// dimensions already partitioned to this worker's share, unaware that it is
// one shard of a larger whole.
//
// Implementations may keep reusable working state (scratch buffers); Clone
// must return an executor with independent working state.
type Executor interface {
	Forward(outputs, inputs *tensors.Map, weights *Weights) error
	Clone() Executor
}

// Dense is the pure-Go reference Executor: out = act(x·Gate [+bias]) · Down,
// or the gated variant act(x·Gate) ⊙ (x·Up) · Down when an Up projection is
// present. It supports float32 and float16 operands, computing in float32.
//
// LoRA routing operands in the input bundle are accepted and ignored; kernel
// fusion of LoRA deltas belongs to accelerated executors.
type Dense struct {
	cfg Config

	// Reusable intermediate activation buffers, grown on demand. This is the
	// executor's mutable working state: a Clone gets its own.
	inter []float32
	up    []float32
}

var _ Executor = (*Dense)(nil)

// NewDense returns a Dense executor for the given (already local) sizes.
func NewDense(cfg Config) *Dense {
	return &Dense{cfg: cfg}
}

// Clone returns a Dense with the same configuration and fresh working state.
func (d *Dense) Clone() Executor {
	return &Dense{cfg: d.cfg}
}

// Forward computes the local FFN into the "ffn_output" tensor of outputs.
func (d *Dense) Forward(outputs, inputs *tensors.Map, weights *Weights) error {
	out, found := outputs.Get(KeyFfnOutput)
	if !found {
		return errors.Errorf("ffn: outputs missing required key %q", KeyFfnOutput)
	}
	in, found := inputs.Get(KeyFfnInput)
	if !found {
		return errors.Errorf("ffn: inputs missing required key %q", KeyFfnInput)
	}
	if err := in.Shape().CheckRank(2); err != nil {
		return errors.WithMessagef(err, "ffn: %q", KeyFfnInput)
	}
	tokens, hidden := in.Shape().Dim(0), in.Shape().Dim(1)
	if err := out.Shape().CheckDims(tokens, hidden); err != nil {
		return errors.WithMessagef(err, "ffn: %q", KeyFfnOutput)
	}

	layerID := int32(-1)
	if t, ok := inputs.Get(KeyLayerID); ok {
		layerID = tensors.ToScalar[int32](t)
	}
	localInter := d.cfg.interSizeForLayer(layerID)

	if err := weights.Gate.Shape().CheckDims(hidden, localInter); err != nil {
		return errors.WithMessagef(err, "ffn: gate weight (layer %d)", layerID)
	}
	if err := weights.Down.Shape().CheckDims(localInter, hidden); err != nil {
		return errors.WithMessagef(err, "ffn: down weight (layer %d)", layerID)
	}

	x, err := f32View(in)
	if err != nil {
		return errors.WithMessagef(err, "ffn: %q", KeyFfnInput)
	}
	gateW, err := f32View(weights.Gate)
	if err != nil {
		return errors.WithMessage(err, "ffn: gate weight")
	}
	downW, err := f32View(weights.Down)
	if err != nil {
		return errors.WithMessage(err, "ffn: down weight")
	}

	inter := grow(&d.inter, tokens*localInter)
	matmul(inter, x, gateW, tokens, hidden, localInter)
	if weights.GateBias != nil {
		if err := addBias(inter, weights.GateBias, tokens, localInter); err != nil {
			return errors.WithMessage(err, "ffn: gate bias")
		}
	}

	act := activation(d.cfg.Activation)
	if weights.Up != nil {
		// Gated path: act(x·Gate) ⊙ (x·Up).
		if err := weights.Up.Shape().CheckDims(hidden, localInter); err != nil {
			return errors.WithMessagef(err, "ffn: up weight (layer %d)", layerID)
		}
		upW, err := f32View(weights.Up)
		if err != nil {
			return errors.WithMessage(err, "ffn: up weight")
		}
		up := grow(&d.up, tokens*localInter)
		matmul(up, x, upW, tokens, hidden, localInter)
		if weights.UpBias != nil {
			if err := addBias(up, weights.UpBias, tokens, localInter); err != nil {
				return errors.WithMessage(err, "ffn: up bias")
			}
		}
		for ii, v := range inter {
			inter[ii] = act(v) * up[ii]
		}
	} else {
		for ii, v := range inter {
			inter[ii] = act(v)
		}
	}

	result := grow(&d.up, tokens*hidden) // reuse the up scratch for the output projection
	matmul(result, inter, downW, tokens, localInter, hidden)
	return storeF32(out, result)
}

// grow returns *buf resized to n elements, reallocating only when it grew.
func grow(buf *[]float32, n int) []float32 {
	if cap(*buf) < n {
		*buf = make([]float32, n)
	}
	*buf = (*buf)[:n]
	return *buf
}

// matmul computes dst[m,n] = a[m,k] · b[k,n], all row-major.
func matmul(dst, a, b []float32, m, k, n int) {
	for i := 0; i < m; i++ {
		row := dst[i*n : (i+1)*n]
		for j := range row {
			row[j] = 0
		}
		for kk := 0; kk < k; kk++ {
			av := a[i*k+kk]
			if av == 0 {
				continue
			}
			bRow := b[kk*n : (kk+1)*n]
			for j, bv := range bRow {
				row[j] += av * bv
			}
		}
	}
}

func addBias(dst []float32, bias *tensors.Tensor, tokens, width int) error {
	if err := bias.Shape().CheckDims(width); err != nil {
		return err
	}
	b, err := f32View(bias)
	if err != nil {
		return err
	}
	for t := 0; t < tokens; t++ {
		row := dst[t*width : (t+1)*width]
		for j := range row {
			row[j] += b[j]
		}
	}
	return nil
}

func activation(kind ActivationType) func(float32) float32 {
	switch kind {
	case ActivationRelu:
		return func(x float32) float32 {
			if x < 0 {
				return 0
			}
			return x
		}
	case ActivationSilu:
		return func(x float32) float32 {
			return x / (1 + float32(math.Exp(-float64(x))))
		}
	default: // gelu, tanh approximation
		return func(x float32) float32 {
			x64 := float64(x)
			return float32(0.5 * x64 * (1 + math.Tanh(0.7978845608028654*(x64+0.044715*x64*x64*x64))))
		}
	}
}

// f32View returns the tensor's values as []float32: the storage itself for
// float32 tensors, a converted copy for float16.
func f32View(t *tensors.Tensor) ([]float32, error) {
	switch flat := t.Data().(type) {
	case []float32:
		return flat, nil
	case []float16.Float16:
		out := make([]float32, len(flat))
		for ii, v := range flat {
			out[ii] = v.Float32()
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported dtype %s for FFN compute", t.DType())
	}
}

// storeF32 writes values into the tensor's current storage, converting to
// float16 when needed.
func storeF32(t *tensors.Tensor, values []float32) error {
	var err error
	t.MutableFlatData(func(flat any) {
		switch dst := flat.(type) {
		case []float32:
			copy(dst, values)
		case []float16.Float16:
			for ii, v := range values {
				dst[ii] = float16.Fromfloat32(v)
			}
		default:
			err = errors.Errorf("unsupported dtype %s for FFN compute", t.DType())
		}
	})
	return err
}
