// ffn_bench runs the tensor-parallel FFN layer on simulated workers and
// reports latency and throughput. It is a smoke benchmark for the collective
// backends, not a model-quality tool.
//
// Example:
//
//	ffn_bench -workers=4 -tokens=128 -hidden=1024 -inter=4096 -steps=50 -custom
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/ishine/rtp-llm/backends"
	"github.com/ishine/rtp-llm/backends/goccl"
	"github.com/ishine/rtp-llm/layers/ffn"
	"github.com/ishine/rtp-llm/types/shapes"
	"github.com/ishine/rtp-llm/types/tensors"
)

var (
	flagWorkers = flag.Int("workers", 2, "Number of simulated workers the intermediate dimension is partitioned across.")
	flagTokens  = flag.Int("tokens", 64, "Tokens per forward call.")
	flagHidden  = flag.Int("hidden", 512, "Model hidden dimension.")
	flagInter   = flag.Int("inter", 2048, "Global FFN intermediate dimension. Must be divisible by -workers.")
	flagSteps   = flag.Int("steps", 20, "Forward calls to time (after one warm-up call).")
	flagCustom  = flag.Bool("custom", false, "Use the one-shot custom all-reduce instead of the generic collective.")
	flagSeed    = flag.Int64("seed", 42, "Seed for the synthetic weights and inputs.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		klog.Errorf("ffn_bench: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	workers, tokens, hidden, inter := *flagWorkers, *flagTokens, *flagHidden, *flagInter
	cfg := ffn.Config{
		HeadNum:     1,
		SizePerHead: hidden,
		InterSize:   inter,
		Activation:  ffn.ActivationSilu,
		DoAllReduce: true,
	}

	group, err := goccl.NewGroup(workers)
	if err != nil {
		return err
	}
	defer group.Finalize()

	count := tokens * hidden
	var oneShots []*goccl.OneShot
	if *flagCustom {
		oneShots, err = goccl.NewOneShot(group, dtypes.Float32, count)
		if err != nil {
			return err
		}
	}

	rng := rand.New(rand.NewSource(*flagSeed))
	weights := syntheticWeights(rng, hidden, inter)
	input := make([]float32, count)
	for ii := range input {
		input[ii] = rng.Float32() - 0.5
	}

	fmt.Printf("workers=%d tokens=%d hidden=%d inter=%d (%s per operand), custom all-reduce: %v\n",
		workers, tokens, hidden, inter, humanize.Bytes(uint64(count*4)), *flagCustom)

	start := time.Now()
	perWorker := make([]time.Duration, workers)
	var wg sync.WaitGroup
	for rank := 0; rank < workers; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			perWorker[rank] = runWorker(rank, cfg, group, oneShots, weights, input, tokens, hidden)
		}(rank)
	}
	wg.Wait()
	elapsed := time.Since(start)

	perStep := elapsed / time.Duration(*flagSteps)
	fmt.Printf("%d steps in %s: %s/step, %s tokens/s\n",
		*flagSteps, elapsed.Round(time.Millisecond), perStep.Round(time.Microsecond),
		humanize.Comma(int64(float64(tokens)/perStep.Seconds())))
	for rank, d := range perWorker {
		klog.V(1).Infof("rank %d busy for %s", rank, d.Round(time.Millisecond))
	}
	return nil
}

func runWorker(rank int, cfg ffn.Config, group *goccl.Group, oneShots []*goccl.OneShot,
	global *ffn.Weights, input []float32, tokens, hidden int) time.Duration {
	stream := goccl.NewStream()
	defer stream.Finalize()
	comm, err := group.Comm(rank)
	if err != nil {
		klog.Fatalf("rank %d: %+v", rank, err)
	}

	layer := ffn.NewTensorParallel(cfg, comm, stream)
	if oneShots != nil {
		layer = layer.WithCustomAllReduce(oneShots[rank])
	}
	local := ffn.ShardInter(global, backends.Topology{Rank: rank, WorldSize: group.WorldSize()})

	out := tensors.FromShape(shapes.Make(dtypes.Float32, tokens, hidden))
	in := tensors.FromFlatDataAndDimensions(append([]float32(nil), input...), tokens, hidden)

	layer.ForwardTensors(out, in, local) // warm-up
	start := time.Now()
	for step := 0; step < *flagSteps; step++ {
		layer.ForwardTensors(out, in, local)
	}
	if err := stream.Synchronize(); err != nil {
		klog.Fatalf("rank %d: %+v", rank, err)
	}
	return time.Since(start)
}

func syntheticWeights(rng *rand.Rand, hidden, inter int) *ffn.Weights {
	fill := func(n int) []float32 {
		flat := make([]float32, n)
		for ii := range flat {
			flat[ii] = (rng.Float32() - 0.5) / float32(hidden)
		}
		return flat
	}
	return &ffn.Weights{
		Gate: tensors.FromFlatDataAndDimensions(fill(hidden*inter), hidden, inter),
		Up:   tensors.FromFlatDataAndDimensions(fill(hidden*inter), hidden, inter),
		Down: tensors.FromFlatDataAndDimensions(fill(inter*hidden), inter, hidden),
	}
}
