// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"context"
	"math/rand"
	"testing"

	"github.com/gomlx/parallelisms/ml/model"
	"github.com/gomlx/parallelisms/pkg/collective"
	"github.com/gomlx/parallelisms/pkg/collective/localnet"
	"github.com/gomlx/parallelisms/pkg/config"
	"github.com/gomlx/parallelisms/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioConfig() model.Config {
	return model.Config{BatchSize: 16, SeqLen: 16, VocabSize: 27, EmbSize: 16, HiddenSize: 64}
}

func newModel(t *testing.T, cfg model.Config) *model.Model {
	m, err := model.New(cfg, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	return m
}

func TestPaddedVocabSize(t *testing.T) {
	assert.Equal(t, 27, PaddedVocabSize(27, 1))
	assert.Equal(t, 28, PaddedVocabSize(27, 2))
	assert.Equal(t, 27, PaddedVocabSize(27, 3))
	assert.Equal(t, 28, PaddedVocabSize(27, 4))
	assert.Equal(t, 28, PaddedVocabSize(28, 2))
}

func TestNewPlan(t *testing.T) {
	plan, err := NewPlan(scenarioConfig(), Placement{TPSize: 1, DPRank: 1, DPSize: 2, Stage: topology.StageHidden1})
	require.NoError(t, err)
	assert.Equal(t, 28, plan.PaddedVocabSize)
	assert.Equal(t, []LayerSize{{"wte", 28, 16}, {"fc_1", 256, 64}, {"fc_2", 64, 27}}, plan.Layers)
	assert.Equal(t, 256*64*2, plan.MaxLayerSize)
	assert.Equal(t, 65536, plan.ScratchSize)

	cfg := scenarioConfig()
	cfg.HiddenSize = 63
	_, err = NewPlan(cfg, Placement{TPSize: 2, DPSize: 1})
	require.True(t, config.IsError(err), "got %v", err)

	// fc_2 has 64/4=16 rows per tensor-parallel shard, not divisible by 3.
	_, err = NewPlan(scenarioConfig(), Placement{TPSize: 4, DPSize: 3})
	require.True(t, config.IsError(err), "got %v", err)

	cfg = scenarioConfig()
	cfg.SeqLen = 3
	cfg.EmbSize = 3
	_, err = NewPlan(cfg, Placement{TPSize: 1, DPSize: 2})
	require.True(t, config.IsError(err), "got %v", err)

	_, err = NewPlan(scenarioConfig(), Placement{TPSize: 1, DPSize: 1, Stage: topology.Stage(3)})
	require.True(t, config.IsError(err), "got %v", err)
}

func TestApply(t *testing.T) {
	cfg := scenarioConfig()
	for _, stage := range []topology.Stage{topology.StageEmbedding, topology.StageHidden1, topology.StageHidden2Loss} {
		plan, err := NewPlan(cfg, Placement{TPRank: 1, TPSize: 2, DPRank: 1, DPSize: 2, Stage: stage})
		require.NoError(t, err)
		m := newModel(t, cfg)
		require.NoError(t, plan.Apply(m))
		layers := m.Layers()
		require.Len(t, layers, 1)
		switch stage {
		case topology.StageEmbedding:
			assert.Equal(t, "wte", layers[0].Name)
			assert.Equal(t, 14, m.Wte.VocabSize)
			assert.Equal(t, 14*16, m.Wte.NumElements())
		case topology.StageHidden1:
			assert.Equal(t, "fc_1", layers[0].Name)
			assert.Equal(t, 128, m.Fc1.InFeatures)
			assert.Equal(t, 32, m.Fc1.OutFeatures)
		case topology.StageHidden2Loss:
			assert.Equal(t, "fc_2", layers[0].Name)
			assert.Equal(t, 16, m.Fc2.InFeatures)
			assert.Equal(t, 27, m.Fc2.OutFeatures)
		}
		assert.Equal(t, []int{16, 32}, m.Fc1Out.Dims)
		assert.Equal(t, []int{16, 32}, m.ReluOut.Dims)
		assert.Equal(t, []int{16, 27}, m.Fc2Out.Dims)
		assert.Equal(t, 16*32, m.ReluOut.NumElements())
	}

	m := newModel(t, cfg)
	plan, err := NewPlan(model.Config{BatchSize: 1, SeqLen: 16, VocabSize: 27, EmbSize: 16, HiddenSize: 64},
		Placement{TPSize: 1, DPSize: 1})
	require.NoError(t, err)
	require.Error(t, plan.Apply(m))
}

func TestShardErrors(t *testing.T) {
	cfg := scenarioConfig()
	cfg.HiddenSize = 6
	require.True(t, config.IsError(ShardTensorParallel(newModel(t, cfg), 0, 4)))
	require.True(t, config.IsError(ShardTensorParallel(newModel(t, cfg), 2, 2)))

	// Embedding with 27 rows can't be split in 2 without padding.
	require.True(t, config.IsError(ShardFSDP(newModel(t, cfg), 0, 2)))
	require.True(t, config.IsError(ShardFSDP(newModel(t, cfg), -1, 2)))

	require.True(t, config.IsError(ShardPipeline(newModel(t, cfg), topology.Stage(-1))))
}

// mergeColumnBlocks is the inverse of the column split of ShardTensorParallel: blocks is the
// concatenation of numBlocks row-major matrices of shape [rows, cols], and it returns the
// [rows, numBlocks*cols] matrix with block i in columns [i*cols, (i+1)*cols).
func mergeColumnBlocks(blocks []float32, rows, numBlocks int) []float32 {
	cols := len(blocks) / (rows * numBlocks)
	width := cols * numBlocks
	merged := make([]float32, len(blocks))
	for block := 0; block < numBlocks; block++ {
		for row := 0; row < rows; row++ {
			src := blocks[(block*rows+row)*cols : (block*rows+row+1)*cols]
			copy(merged[row*width+block*cols:], src)
		}
	}
	return merged
}

func TestMergeColumnBlocks(t *testing.T) {
	// Two blocks of shape [2, 2] of the matrix [[1, 2, 3, 4], [5, 6, 7, 8]].
	blocks := []float32{1, 2, 5, 6, 3, 4, 7, 8}
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, mergeColumnBlocks(blocks, 2, 2))
}

// TestTensorParallelRoundTrip checks that all-gathering the shards of every tensor-parallel rank
// reconstructs the original weights.
func TestTensorParallelRoundTrip(t *testing.T) {
	const tpSize = 4
	cfg := scenarioConfig()
	full := newModel(t, cfg)
	err := localnet.Run(context.Background(), tpSize, func(ctx context.Context, world *collective.Communicator) error {
		m := newModel(t, cfg)
		if err := ShardTensorParallel(m, world.Rank(), tpSize); err != nil {
			return err
		}
		assert.Equal(t, 16, m.Fc1.OutFeatures)
		assert.Equal(t, 16, m.Fc2.InFeatures)

		gathered := make([]float32, m.Fc1.NumElements()*tpSize)
		if err := world.AllGather(ctx, m.Fc1.Weight, gathered); err != nil {
			return err
		}
		assert.Equal(t, full.Fc1.Weight, mergeColumnBlocks(gathered, full.Fc1.InFeatures, tpSize))

		gathered = make([]float32, m.Fc2.NumElements()*tpSize)
		if err := world.AllGather(ctx, m.Fc2.Weight, gathered); err != nil {
			return err
		}
		assert.Equal(t, full.Fc2.Weight, gathered)
		return nil
	})
	require.NoError(t, err)
}

// TestFSDPRoundTrip checks that all-gathering the FSDP shards reconstructs every layer.
func TestFSDPRoundTrip(t *testing.T) {
	const dpSize = 2
	cfg := scenarioConfig()
	full := newModel(t, cfg)
	require.NoError(t, full.PadVocab(PaddedVocabSize(cfg.VocabSize, dpSize)))
	err := localnet.Run(context.Background(), dpSize, func(ctx context.Context, world *collective.Communicator) error {
		m := newModel(t, cfg)
		if err := m.PadVocab(PaddedVocabSize(cfg.VocabSize, dpSize)); err != nil {
			return err
		}
		if err := ShardFSDP(m, world.Rank(), dpSize); err != nil {
			return err
		}
		fullLayers := full.Layers()
		for ii, l := range m.Layers() {
			want := fullLayers[ii].Layer
			assert.Equal(t, want.Rows()/dpSize, l.Layer.Rows())
			gathered := make([]float32, len(l.Layer.Params())*dpSize)
			if err := world.AllGather(ctx, l.Layer.Params(), gathered); err != nil {
				return err
			}
			assert.Equal(t, want.Params(), gathered, "layer %s", l.Name)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPlacementAt(t *testing.T) {
	mesh, err := topology.NewMesh(2, 2, 3)
	require.NoError(t, err)
	p, err := PlacementAt(mesh, 7)
	require.NoError(t, err)
	// 7 = pp 1 * 4 + dp 1 * 2 + tp 1
	assert.Equal(t, Placement{TPRank: 1, TPSize: 2, DPRank: 1, DPSize: 2, Stage: topology.StageHidden1}, p)
	_, err = PlacementAt(mesh, 12)
	require.True(t, config.IsError(err))
}
