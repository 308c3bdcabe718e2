package ffn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalDim(t *testing.T) {
	cases := []struct {
		global, worldSize, want int
	}{
		{16, 1, 16},
		{16, 2, 8},
		{16, 4, 4},
		{11008, 8, 1376},
		{0, 4, 0},
	}
	for _, c := range cases {
		got := LocalDim(c.global, c.worldSize)
		require.Equal(t, c.want, got)
		require.Equal(t, c.global, got*c.worldSize, "partition must cover the global size exactly")
	}

	require.Panics(t, func() { LocalDim(7, 2) })
	require.Panics(t, func() { LocalDim(16, 0) })
	require.Panics(t, func() { LocalDim(16, -1) })
}

func TestLocalDims(t *testing.T) {
	require.Nil(t, LocalDims[int64](nil, 2), "absent list means no per-layer override")

	global := []int64{16, 32, 64}
	local := LocalDims(global, 4)
	require.Equal(t, []int64{4, 8, 16}, local)
	require.Equal(t, []int64{16, 32, 64}, global, "input list is not modified")
	for ii := range global {
		require.Equal(t, global[ii], local[ii]*4)
	}

	require.Panics(t, func() { LocalDims([]int64{16, 7}, 2) })
}

func TestConfigLocal(t *testing.T) {
	cfg := Config{
		HeadNum:               4,
		SizePerHead:           32,
		InterSize:             512,
		InterPaddingSize:      768,
		LayerInterSize:        []int64{512, 256},
		LayerInterPaddingSize: []int64{768, 512},
	}
	local := cfg.local(2)
	require.Equal(t, 256, local.InterSize)
	require.Equal(t, 384, local.InterPaddingSize)
	require.Equal(t, []int64{256, 128}, local.LayerInterSize)
	require.Equal(t, []int64{384, 256}, local.LayerInterPaddingSize)
	require.Equal(t, 128, local.HiddenUnits(), "hidden dimension is not partitioned")

	require.Equal(t, 256, local.interSizeForLayer(-1))
	require.Equal(t, 128, local.interSizeForLayer(1))
	require.Panics(t, func() { local.interSizeForLayer(2) })
}

func TestConfigLocalKeepsPassThrough(t *testing.T) {
	// Only the intermediate sizes are partitioned; the executor-facing fields
	// reach the local config untouched.
	cfg := Config{
		HeadNum:      2,
		SizePerHead:  4,
		InterSize:    16,
		ExpertNum:    8,
		Activation:   ActivationGelu,
		LayerNormEps: 1e-6,
		Int8Mode:     1,
		IsSparse:     true,
		DoAllReduce:  true,
	}
	local := cfg.local(2)
	require.Equal(t, 8, local.InterSize)

	want := cfg
	want.InterSize = 8
	require.Equal(t, want, local)
}
