// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"context"
	"math/rand"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/parallelisms/ml/data"
	"github.com/gomlx/parallelisms/ml/model"
	"github.com/gomlx/parallelisms/ml/sharding"
	"github.com/gomlx/parallelisms/pkg/collective"
	"github.com/gomlx/parallelisms/pkg/config"
	"github.com/gomlx/parallelisms/pkg/topology"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Driver holds the sharded model of one process and runs training steps on it.
type Driver struct {
	Config   config.Config
	Topology *topology.Topology
	Plan     *sharding.Plan
	Model    *model.Model

	dataset *data.Dataset
	scratch []float32
}

// TrainDataset builds the examples from names, shuffles them with cfg.Seed and returns the
// train split of cfg.TrainPercent. Every rank gets the same examples in the same order.
func TrainDataset(cfg config.Config, names []string) (*data.Dataset, error) {
	if cfg.VocabSize < data.VocabSize {
		return nil, config.Errorf("vocab_size %d is smaller than the %d tokens of the dataset", cfg.VocabSize, data.VocabSize)
	}
	ds, err := data.NewDataset(names, cfg.SeqLen)
	if err != nil {
		return nil, err
	}
	ds.Shuffle(rand.New(rand.NewSource(cfg.Seed)))
	train, _, err := ds.TrainTestSplit(cfg.TrainPercent)
	return train, err
}

// NewDriver creates the topology of the calling process and its shard of the model.
//
// It is a collective operation over world. Configuration errors are detected before any
// communication, reported on world rank 0, and abort the whole process group.
//
// Every process creates the full model from cfg.Seed before sharding it, so the sharded model
// computes the same function as an unsharded one created with the same seed.
func NewDriver(ctx context.Context, cfg config.Config, world *collective.Communicator, dataset *data.Dataset) (*Driver, error) {
	d, err := newDriver(ctx, cfg, world, dataset)
	if err != nil {
		if config.IsError(err) {
			Rank0Errorf(world.Rank(), "%v", err)
		}
		if !errors.Is(err, collective.ErrAborted) {
			world.Abort(err)
		}
		return nil, err
	}
	return d, nil
}

func newDriver(ctx context.Context, cfg config.Config, world *collective.Communicator, dataset *data.Dataset) (*Driver, error) {
	if err := cfg.Validate(world.Size()); err != nil {
		return nil, err
	}
	rank := world.Rank()
	Rank0Infof(rank, "Micro batch_size: %d", cfg.BatchSize())

	mesh, err := topology.NewMesh(cfg.TP, cfg.DP, config.PipelineSize)
	if err != nil {
		return nil, err
	}
	placement, err := sharding.PlacementAt(mesh, rank)
	if err != nil {
		return nil, err
	}
	modelCfg := model.Config{
		BatchSize:  cfg.BatchSize(),
		SeqLen:     cfg.SeqLen,
		VocabSize:  cfg.VocabSize,
		EmbSize:    cfg.EmbSize,
		HiddenSize: cfg.HiddenSize,
	}
	plan, err := sharding.NewPlan(modelCfg, placement)
	if err != nil {
		return nil, err
	}
	if dataset == nil || dataset.SeqLen != cfg.SeqLen {
		return nil, config.Errorf("dataset %v doesn't match seq_len %d", dataset, cfg.SeqLen)
	}

	topo, err := topology.Create(ctx, world, cfg.TP, cfg.DP, config.PipelineSize)
	if err != nil {
		return nil, err
	}
	if placement != sharding.PlacementOf(topo) {
		return nil, errors.Errorf("topology %s doesn't match planned placement %s", topo, placement)
	}

	m, err := model.New(modelCfg, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return nil, err
	}
	Rank0Infof(rank, "Padded vocab size: %d", plan.PaddedVocabSize)
	Rank0Infof(rank, "Maximum layer size: %d", plan.MaxLayerSize)
	Rank0Infof(rank, "Scratch buffer: %s", humanize.IBytes(uint64(4*plan.ScratchSize)))
	d := &Driver{
		Config:   cfg,
		Topology: topo,
		Plan:     plan,
		Model:    m,
		dataset:  dataset,
		scratch:  make([]float32, plan.ScratchSize),
	}
	numParams := m.NumParams()
	if err := plan.Apply(m); err != nil {
		return nil, err
	}
	klog.V(1).Infof("rank %d: %s holds %s of %s parameters", rank, placement, humanize.Comma(int64(m.NumParams())),
		humanize.Comma(int64(numParams)))
	return d, nil
}

// Step runs the forward pass on the batch of the given step and returns the loss averaged over the
// data-parallel group. It is a collective operation: every process must call it with the same step.
func (d *Driver) Step(ctx context.Context, step int) (float32, error) {
	topo := d.Topology
	batch, err := d.dataset.RankBatch(step, d.Config.GlobalBatchSize, topo.DPRank, topo.DPSize)
	if err != nil {
		return 0, err
	}
	loss, err := Forward3D(ctx, d.Model, batch, d.scratch, topo)
	if err != nil {
		return 0, errors.WithMessagef(err, "step %d", step)
	}
	buf := []float32{loss}
	if err := topo.DP.AllReduceMean(ctx, buf); err != nil {
		return 0, errors.WithMessagef(err, "step %d reducing loss", step)
	}
	Rank0Infof(topo.WorldRank, "step: %d, loss %f", step, buf[0])
	return buf[0], nil
}

// Run evaluates numSteps consecutive steps and returns their losses.
// World rank 0 displays a progress bar if there is more than one step.
//
// On error the whole process group is aborted.
func (d *Driver) Run(ctx context.Context, numSteps int) ([]float32, error) {
	if numSteps <= 0 {
		return nil, config.Errorf("number of steps must be positive, got %d", numSteps)
	}
	var bar *progressbar.ProgressBar
	if numSteps > 1 && d.Topology.WorldRank == 0 {
		bar = progressbar.NewOptions(numSteps,
			progressbar.OptionSetDescription("Forward"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
		defer func() { _ = bar.Close() }()
	}
	losses := make([]float32, 0, numSteps)
	for step := 0; step < numSteps; step++ {
		loss, err := d.Step(ctx, step)
		if err != nil {
			if !errors.Is(err, collective.ErrAborted) {
				d.Topology.World.Abort(err)
			}
			return losses, err
		}
		losses = append(losses, loss)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return losses, nil
}
