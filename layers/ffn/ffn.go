// Package ffn implements the feed-forward (FFN) execution layer of a
// transformer model, including its tensor-parallel variant.
//
// Tensor parallelism splits the FFN's intermediate (hidden) dimension across
// a fixed group of workers: each worker multiplies with its slice of the
// weights, producing a partial result, and the partial results are reconciled
// into the globally consistent output with a sum-reduction collective
// (see github.com/ishine/rtp-llm/backends).
//
// The layer orchestrates; the actual local matrix-multiply/activation step is
// behind the Executor interface, with Dense as the pure-Go reference
// implementation.
package ffn

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// Canonical keys of the named tensor bundles the forward calls exchange.
const (
	// KeyFfnInput is the input activations, shape [tokenCount, hiddenUnits].
	KeyFfnInput = "ffn_input"
	// KeyFfnOutput is the output activations, shape [tokenCount, hiddenUnits].
	// The layer overwrites its device memory in place.
	KeyFfnOutput = "ffn_output"
	// KeyLayerID is an optional host int32 scalar selecting the model layer,
	// used when intermediate sizes vary per layer.
	KeyLayerID = "layer_id"
	// KeyLoraIDs and KeyLoraInputLengths carry the optional LoRA routing
	// operands; KeyBatchSize the LoRA batch size as a host int32 scalar.
	KeyLoraIDs          = "lora_ids"
	KeyLoraInputLengths = "lora_input_lengths"
	KeyBatchSize        = "batch_size"
)

// ActivationType selects the non-linearity of the FFN's intermediate layer.
type ActivationType int

const (
	ActivationGelu ActivationType = iota
	ActivationRelu
	ActivationSilu
)

// String implements fmt.Stringer.
func (a ActivationType) String() string {
	switch a {
	case ActivationGelu:
		return "gelu"
	case ActivationRelu:
		return "relu"
	case ActivationSilu:
		return "silu"
	default:
		return fmt.Sprintf("ActivationType(%d)", int(a))
	}
}

// Config holds the model dimensions and the local-compute configuration of an
// FFN layer. Sizes are global (whole-model); the tensor-parallel constructor
// derives the per-worker local sizes from them.
type Config struct {
	// HeadNum and SizePerHead define the model's hidden dimension:
	// hiddenUnits = HeadNum * SizePerHead.
	HeadNum     int
	SizePerHead int

	// ExpertNum is the number of experts for mixture-of-experts
	// configurations; 0 or 1 means a plain dense FFN. Opaque to the
	// orchestration, forwarded to the executor.
	ExpertNum int

	// InterSize is the global intermediate size of the FFN. It must be evenly
	// divisible by the worker-group's world size.
	InterSize int

	// InterPaddingSize is the padded global intermediate size, partitioned
	// the same way as InterSize. Zero if unused.
	InterPaddingSize int

	// LayerInterSize optionally overrides InterSize per model layer, in layer
	// order. Every entry must be evenly divisible by the world size. An
	// absent (nil) list means no per-layer override.
	LayerInterSize []int64

	// LayerInterPaddingSize optionally overrides InterPaddingSize per layer.
	LayerInterPaddingSize []int64

	// Activation, LayerNormEps, Int8Mode and IsSparse configure the local
	// compute step and are passed through to the executor untouched.
	Activation   ActivationType
	LayerNormEps float32
	Int8Mode     int
	IsSparse     bool

	// DoAllReduce controls whether forward synchronizes partial results at
	// all. Disable it only for single-worker operation or when the caller
	// synchronizes externally.
	DoAllReduce bool
}

// HiddenUnits returns the model's hidden dimension.
func (c Config) HiddenUnits() int { return c.HeadNum * c.SizePerHead }

// local returns a copy of the config with every intermediate size replaced by
// this worker's share. It panics -- fatal configuration error -- if any size
// is not evenly divisible by worldSize.
func (c Config) local(worldSize int) Config {
	out := c
	out.InterSize = LocalDim(c.InterSize, worldSize)
	out.InterPaddingSize = LocalDim(c.InterPaddingSize, worldSize)
	out.LayerInterSize = LocalDims(c.LayerInterSize, int64(worldSize))
	out.LayerInterPaddingSize = LocalDims(c.LayerInterPaddingSize, int64(worldSize))
	return out
}

// interSizeForLayer returns the intermediate size for the given layer, using
// the per-layer override when present. layerID < 0 means "no layer selected"
// and always uses the scalar size.
func (c Config) interSizeForLayer(layerID int32) int {
	if layerID < 0 || c.LayerInterSize == nil {
		return c.InterSize
	}
	if int(layerID) >= len(c.LayerInterSize) {
		exceptions.Panicf("ffn: layer_id %d out of range, config has %d per-layer intermediate sizes",
			layerID, len(c.LayerInterSize))
	}
	return int(c.LayerInterSize[layerID])
}
