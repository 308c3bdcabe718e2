package ffn

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/ishine/rtp-llm/backends"
	"github.com/ishine/rtp-llm/types/tensors"
)

// TensorParallel is an FFN layer whose intermediate dimension is partitioned
// across the workers of a collective group. Each worker computes its slice of
// the FFN with a local Executor and the partial outputs are reconciled with a
// sum-reduction, either the group's generic collective or -- when enabled and
// negotiated for the call -- a custom in-place all-reduce backend.
//
// A layer instance belongs to one worker: its Comm carries the worker's rank.
// Concurrent Forward calls on the same instance are not supported; use Clone
// to run the same layer configuration elsewhere.
type TensorParallel struct {
	cfg      Config // global sizes, as configured
	localCfg Config // per-worker sizes baked into the executor

	topo   backends.Topology
	comm   backends.Comm
	stream backends.Stream

	custom       backends.CustomAllReduce
	enableCustom bool

	exec Executor
}

// NewTensorParallel constructs the layer for the worker behind comm,
// partitioning cfg's intermediate sizes across the group's world size and
// building a Dense executor over the local share.
//
// It fails fatally if any intermediate size is not evenly divisible by the
// world size -- before any forward call is possible.
func NewTensorParallel(cfg Config, comm backends.Comm, stream backends.Stream) *TensorParallel {
	topo := comm.Topology()
	if err := topo.Check(); err != nil {
		exceptions.Panicf("ffn.NewTensorParallel: %+v", err)
	}
	localCfg := cfg.local(topo.WorldSize)
	klog.V(1).Infof("ffn: tensor-parallel layer on %s, intermediate size %d (local %d)",
		topo, cfg.InterSize, localCfg.InterSize)
	return &TensorParallel{
		cfg:      cfg,
		localCfg: localCfg,
		topo:     topo,
		comm:     comm,
		stream:   stream,
		exec:     NewDense(localCfg),
	}
}

// WithCustomAllReduce enables the custom reduction path through the given
// backend. The backend reference is shared, read-only, across all forward
// calls; its lifecycle is owned by the enclosing worker-group session.
func (l *TensorParallel) WithCustomAllReduce(custom backends.CustomAllReduce) *TensorParallel {
	l.custom = custom
	l.enableCustom = custom != nil
	return l
}

// WithExecutor replaces the local compute step. The executor must already
// operate on this worker's local (post-partition) sizes.
func (l *TensorParallel) WithExecutor(exec Executor) *TensorParallel {
	l.exec = exec
	return l
}

// Clone duplicates the layer: the copy shares the topology, communication
// handles and flags, and owns an independent copy of the executor's working
// state.
func (l *TensorParallel) Clone() *TensorParallel {
	dup := *l
	dup.exec = l.exec.Clone()
	return &dup
}

// LocalConfig returns the per-worker configuration the executor was built
// with: every intermediate size is this worker's share of the global one.
func (l *TensorParallel) LocalConfig() Config { return l.localCfg }

// Forward runs the tensor-parallel FFN protocol over named tensor bundles:
// negotiate the reduction path, compute the local partial FFN, reduce across
// the group, and check the stream for asynchronous errors.
//
// outputs must contain "ffn_output" with shape [tokenCount, hiddenUnits];
// inputs must contain "ffn_input" with the same token count. The
// "ffn_output" tensor's memory is overwritten in place. The call blocks the
// worker until the reduction -- if any -- completed; with reduction disabled
// it only issues the local compute onto the stream.
//
// Workers of a group must call Forward the same number of times, in the same
// relative order, with matching operand sizes, or the reduction blocks
// indefinitely.
func (l *TensorParallel) Forward(outputs, inputs *tensors.Map, weights *Weights) {
	klog.V(2).Infof("ffn: TensorParallel.Forward start on %s", l.topo)
	out := outputs.MustGet(KeyFfnOutput)
	if err := out.Shape().CheckRank(2); err != nil {
		exceptions.Panicf("ffn: %q: %+v", KeyFfnOutput, err)
	}
	tokens, hidden := out.Shape().Dim(0), out.Shape().Dim(1)
	in := inputs.MustGet(KeyFfnInput)
	if in.Shape().Rank() < 1 || in.Shape().Dim(0) != tokens {
		exceptions.Panicf("ffn: %q has shape %s, inconsistent with %q token count %d",
			KeyFfnInput, in.Shape(), KeyFfnOutput, tokens)
	}
	count := tokens * hidden

	// Reduction-path negotiation. The swap is only useful if the reduction
	// actually runs afterwards: a negotiated swap with no reduction would
	// leave the caller's output silently aliased to backend memory.
	reduce := l.cfg.DoAllReduce && l.topo.WorldSize > 1
	useCustom := false
	if reduce && l.enableCustom && l.custom != nil {
		useCustom = l.custom.SwapInternalBuffer([]*tensors.Tensor{out}, count)
	}

	// Local partial FFN, into whichever storage out currently refers to.
	exec, w := l.exec, weights
	l.stream.Enqueue(func() error {
		return exec.Forward(outputs, inputs, w)
	})
	if !reduce {
		return
	}

	var err error
	if useCustom {
		err = l.custom.AllReduce(count, l.stream)
	} else {
		err = l.comm.AllReduceSum(out.Data(), count, l.stream)
	}
	if err != nil {
		exceptions.Panicf("ffn: all-reduce on %s rejected: %+v", l.topo, err)
	}
	if err := l.stream.Synchronize(); err != nil {
		exceptions.Panicf("ffn: forward failed on %s: %+v", l.topo, err)
	}
}

// ForwardTensors is the positional form of Forward: exactly one input tensor
// and one output tensor, wrapped under the canonical keys.
func (l *TensorParallel) ForwardTensors(output, input *tensors.Tensor, weights *Weights) {
	outputs := tensors.NewMap().Set(KeyFfnOutput, output)
	inputs := tensors.NewMap().Set(KeyFfnInput, input)
	l.Forward(outputs, inputs, weights)
}

// ForwardLoRA is the expert/LoRA-aware form of Forward: the layer index and
// LoRA batch size are wrapped into host scalar tensors, the routing tensors
// under their canonical keys, and the bundle delegated to Forward.
func (l *TensorParallel) ForwardLoRA(output, input *tensors.Tensor, layerID int32,
	loraIDs, loraInputLengths *tensors.Tensor, loraBatchSize int32, weights *Weights) {
	outputs := tensors.NewMap().Set(KeyFfnOutput, output)
	inputs := tensors.NewMap().
		Set(KeyFfnInput, input).
		Set(KeyLayerID, tensors.FromScalar(layerID)).
		Set(KeyLoraIDs, loraIDs).
		Set(KeyLoraInputLengths, loraInputLengths).
		Set(KeyBatchSize, tensors.FromScalar(loraBatchSize))
	l.Forward(outputs, inputs, weights)
}
