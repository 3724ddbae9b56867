// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/parallelisms/ml/data"
	"github.com/gomlx/parallelisms/ml/model"
	"github.com/gomlx/parallelisms/pkg/collective"
	"github.com/gomlx/parallelisms/pkg/collective/grpcnet"
	"github.com/gomlx/parallelisms/pkg/collective/localnet"
	"github.com/gomlx/parallelisms/pkg/config"
	"github.com/gomlx/parallelisms/pkg/topology"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithGatheredWeight(t *testing.T) {
	errBoom := errors.New("boom")
	err := localnet.Run(context.Background(), 2, func(ctx context.Context, world *collective.Communicator) error {
		layer := model.NewLinear(2, 3)
		for ii := range layer.Weight {
			layer.Weight[ii] = float32(world.Rank()*100 + ii)
		}
		shard := layer.Weight
		scratch := make([]float32, 20)
		err := WithGatheredWeight(ctx, layer, world, scratch, func() error {
			assert.Equal(t, 4, layer.InFeatures)
			assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 100, 101, 102, 103, 104, 105}, layer.Weight)
			return errBoom
		})
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 2, layer.InFeatures)
		assert.Equal(t, &shard[0], &layer.Weight[0])

		err = WithGatheredWeight(ctx, layer, world, scratch[:11], func() error { return nil })
		assert.Error(t, err)
		assert.Equal(t, 2, layer.InFeatures)
		return nil
	})
	require.NoError(t, err)
}

func TestWithGatheredWeightPanic(t *testing.T) {
	err := localnet.Run(context.Background(), 1, func(ctx context.Context, world *collective.Communicator) error {
		layer := model.NewEmbedding(3, 2)
		shard := layer.Table
		assert.Panics(t, func() {
			_ = WithGatheredWeight(ctx, layer, world, make([]float32, 6), func() error {
				model.EmbeddingForward(layer, []int32{7}, model.NewActivation(1, 2))
				return nil
			})
		})
		assert.Equal(t, 3, layer.VocabSize)
		assert.Equal(t, &shard[0], &layer.Table[0])
		return nil
	})
	require.NoError(t, err)
}

func trainDataset(t *testing.T, cfg config.Config) *data.Dataset {
	ds, err := TrainDataset(cfg, data.DefaultNames())
	require.NoError(t, err)
	return ds
}

// referenceLoss runs the unsharded model in a single process on the global batch of the step.
// The logits of a tensor-parallel run are the mean (not the sum) of the tpSize partial results,
// which is equivalent to scaling down the output layer.
func referenceLoss(t *testing.T, cfg config.Config, ds *data.Dataset, step, tpSize int) float32 {
	m, err := model.New(model.Config{
		BatchSize:  cfg.GlobalBatchSize,
		SeqLen:     cfg.SeqLen,
		VocabSize:  cfg.VocabSize,
		EmbSize:    cfg.EmbSize,
		HiddenSize: cfg.HiddenSize,
	}, rand.New(rand.NewSource(cfg.Seed)))
	require.NoError(t, err)
	for ii := range m.Fc2.Weight {
		m.Fc2.Weight[ii] /= float32(tpSize)
	}
	batch, err := ds.GlobalBatch(step, cfg.GlobalBatchSize)
	require.NoError(t, err)
	return m.Forward(batch.Xs, batch.Ys)
}

// runWorld runs numSteps on a local world for cfg and returns the losses of each world rank.
func runWorld(t *testing.T, cfg config.Config, ds *data.Dataset, numSteps int) [][]float32 {
	losses := make([][]float32, cfg.WorldSize())
	err := localnet.Run(context.Background(), cfg.WorldSize(), func(ctx context.Context, world *collective.Communicator) error {
		d, err := NewDriver(ctx, cfg, world, ds)
		if err != nil {
			return err
		}
		losses[world.Rank()], err = d.Run(ctx, numSteps)
		return err
	})
	require.NoError(t, err)
	return losses
}

func TestPipelineMatchesSingleProcess(t *testing.T) {
	cfg := config.Default()
	ds := trainDataset(t, cfg)
	losses := runWorld(t, cfg, ds, 3)
	require.Len(t, losses, 3)
	for step := 0; step < 3; step++ {
		want := referenceLoss(t, cfg, ds, step, 1)
		for rank := range losses {
			assert.InDelta(t, want, losses[rank][step], 1e-6, "rank %d, step %d", rank, step)
			assert.Equal(t, losses[0][step], losses[rank][step])
		}
	}
}

// TestFSDPScenario runs tp=1, dp=2: a world of 6 processes, vocabulary padded from 27 to 28 and
// micro-batches of 16 examples.
func TestFSDPScenario(t *testing.T) {
	cfg := config.Default()
	cfg.DP = 2
	ds := trainDataset(t, cfg)
	var drivers [6]*Driver
	losses := make([]float32, 6)
	err := localnet.Run(context.Background(), 6, func(ctx context.Context, world *collective.Communicator) error {
		d, err := NewDriver(ctx, cfg, world, ds)
		if err != nil {
			return err
		}
		drivers[world.Rank()] = d
		losses[world.Rank()], err = d.Step(ctx, 0)
		return err
	})
	require.NoError(t, err)

	want := referenceLoss(t, cfg, ds, 0, 1)
	for rank, loss := range losses {
		assert.Equal(t, losses[0], loss, "rank %d", rank)
		assert.InDelta(t, want, loss, 1e-5)
	}

	d := drivers[0]
	assert.Equal(t, 28, d.Plan.PaddedVocabSize)
	assert.Equal(t, 16, d.Model.BatchSize)
	assert.Equal(t, 65536, d.Plan.ScratchSize)
	assert.Equal(t, 14, d.Model.Wte.VocabSize)
	assert.Nil(t, d.Model.Fc1)
	assert.Nil(t, d.Model.Fc2)
	for rank, d := range drivers {
		assert.Equal(t, rank/2, d.Topology.PPRank)
		assert.Equal(t, rank%2, d.Topology.DPRank)
		assert.Len(t, d.Model.Layers(), 1)
	}
	assert.Equal(t, 128, drivers[2].Model.Fc1.InFeatures)
	assert.Equal(t, 32, drivers[5].Model.Fc2.InFeatures)
}

func TestTensorParallel(t *testing.T) {
	cfg := config.Default()
	cfg.TP = 2
	cfg.DP = 2
	ds := trainDataset(t, cfg)
	losses := runWorld(t, cfg, ds, 2)
	require.Len(t, losses, 12)
	for step := 0; step < 2; step++ {
		want := referenceLoss(t, cfg, ds, step, cfg.TP)
		for rank := range losses {
			assert.Equal(t, losses[0][step], losses[rank][step], "rank %d, step %d", rank, step)
			assert.InDelta(t, want, losses[rank][step], 1e-5)
		}
	}
}

// countingTransport is a single rank transport that counts the messages sent.
type countingTransport struct {
	rank, size int
	mailbox    *collective.Mailbox
	delivered  atomic.Int32
}

func (c *countingTransport) Rank() int                    { return c.rank }
func (c *countingTransport) Size() int                    { return c.size }
func (c *countingTransport) Mailbox() *collective.Mailbox { return c.mailbox }
func (c *countingTransport) Abort(cause error)            { c.mailbox.Abort(cause) }
func (c *countingTransport) Deliver(_ context.Context, _ int, _ *collective.Envelope) error {
	c.delivered.Add(1)
	return errors.New("not connected")
}

func TestConfigErrorsBeforeCommunication(t *testing.T) {
	ds := trainDataset(t, config.Default())
	for _, tc := range []struct {
		name   string
		modify func(cfg *config.Config)
		size   int
	}{
		{"batch not divisible", func(cfg *config.Config) { cfg.DP, cfg.GlobalBatchSize = 2, 33 }, 6},
		{"world size mismatch", func(cfg *config.Config) { cfg.DP = 2 }, 5},
		{"hidden not divisible by tp", func(cfg *config.Config) { cfg.TP, cfg.HiddenSize = 3, 64 }, 9},
		{"seq_len mismatch", func(cfg *config.Config) { cfg.SeqLen = 8 }, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.modify(&cfg)
			transport := &countingTransport{size: tc.size, mailbox: collective.NewMailbox()}
			_, err := NewDriver(context.Background(), cfg, collective.World(transport), ds)
			require.Error(t, err)
			assert.True(t, config.IsError(err), "got %+v", err)
			assert.Zero(t, transport.delivered.Load())
			assert.True(t, transport.mailbox.Aborted())
		})
	}
}

func TestUnknownStage(t *testing.T) {
	err := localnet.Run(context.Background(), 1, func(ctx context.Context, world *collective.Communicator) error {
		topo := &topology.Topology{
			PPRank: 3,
			Stage:  topology.Stage(3),
			World:  world,
			TP:     world,
			DP:     world,
			PP:     world,
		}
		_, err := Forward3D(ctx, nil, data.Batch{}, nil, topo)
		assert.True(t, world.Transport().Mailbox().Aborted())
		return err
	})
	require.Error(t, err)
	assert.True(t, config.IsError(err), "got %+v", err)
}

func TestTrainDatasetShuffle(t *testing.T) {
	cfg := config.Default()
	names := data.DefaultNames()
	first := trainDataset(t, cfg)
	assert.Equal(t, first.Ys, trainDataset(t, cfg).Ys)
	assert.Equal(t, first.Xs, trainDataset(t, cfg).Xs)

	unshuffled, err := data.NewDataset(names, cfg.SeqLen)
	require.NoError(t, err)
	assert.NotEqual(t, unshuffled.Ys[:first.NumExamples()], first.Ys)

	cfg.Seed = 7
	assert.NotEqual(t, first.Ys, trainDataset(t, cfg).Ys)

	cfg.VocabSize = 20
	_, err = TrainDataset(cfg, names)
	require.True(t, config.IsError(err))
}

func TestRunInvalidSteps(t *testing.T) {
	d := &Driver{}
	_, err := d.Run(context.Background(), 0)
	require.True(t, config.IsError(err))
}

// TestFSDPOverGRPC runs the tp=1, dp=2 world with one gRPC transport per rank.
func TestFSDPOverGRPC(t *testing.T) {
	cfg := config.Default()
	cfg.DP = 2
	ds := trainDataset(t, cfg)
	size := cfg.WorldSize()

	listeners := make([]net.Listener, size)
	peers := make([]string, size)
	for rank := 0; rank < size; rank++ {
		listeners[rank] = must.M1(net.Listen("tcp", "127.0.0.1:0"))
		peers[rank] = listeners[rank].Addr().String()
	}
	transports := make([]*grpcnet.Transport, size)
	for rank := 0; rank < size; rank++ {
		transports[rank] = must.M1(grpcnet.Serve(rank, peers, listeners[rank]))
	}
	t.Cleanup(func() {
		for _, transport := range transports {
			_ = transport.Close()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	losses := make([][]float32, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for rank, transport := range transports {
		rank, transport := rank, transport
		wg.Add(1)
		go func() {
			defer wg.Done()
			world := collective.World(transport)
			d, err := NewDriver(ctx, cfg, world, ds)
			if err != nil {
				errs[rank] = err
				return
			}
			if losses[rank], errs[rank] = d.Run(ctx, 2); errs[rank] != nil {
				return
			}
			errs[rank] = world.Barrier(ctx)
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d", rank)
	}
	for step := 0; step < 2; step++ {
		want := referenceLoss(t, cfg, ds, step, 1)
		for rank := 0; rank < size; rank++ {
			assert.Equal(t, losses[0][step], losses[rank][step], "rank %d, step %d", rank, step)
			assert.InDelta(t, want, losses[rank][step], 1e-5)
		}
	}
}
