// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sharding splits the parameters of a model.Model across the tensor-parallel,
// data-parallel (FSDP) and pipeline-parallel axes.
//
// Sharding is done in two phases: NewPlan reads only the unsharded model description, validates
// every divisibility constraint and sizes the scratch buffer; Plan.Apply then transforms the model
// with ShardTensorParallel, ShardFSDP and ShardPipeline, in this order. None of it communicates.
package sharding

import (
	"fmt"

	"github.com/gomlx/parallelisms/ml/model"
	"github.com/gomlx/parallelisms/pkg/config"
	"github.com/gomlx/parallelisms/pkg/topology"
	"github.com/pkg/errors"
)

// Placement of a process in the mesh, as far as sharding is concerned.
type Placement struct {
	TPRank, TPSize int
	DPRank, DPSize int
	Stage          topology.Stage
}

// PlacementAt returns the placement of the given world rank in the mesh.
// It doesn't communicate, so sharding can be planned before the groups are created.
func PlacementAt(mesh topology.Mesh, rank int) (Placement, error) {
	if rank < 0 || rank >= mesh.Size() {
		return Placement{}, config.Errorf("rank %d out of range for %s", rank, mesh)
	}
	coords := mesh.Coordinates(rank)
	stage, err := topology.StageOf(coords.PP)
	if err != nil {
		return Placement{}, err
	}
	return Placement{
		TPRank: coords.TP,
		TPSize: mesh.TPSize,
		DPRank: coords.DP,
		DPSize: mesh.DPSize,
		Stage:  stage,
	}, nil
}

// PlacementOf returns the placement of the process with the given topology.
func PlacementOf(topo *topology.Topology) Placement {
	return Placement{
		TPRank: topo.TPRank,
		TPSize: topo.TPSize,
		DPRank: topo.DPRank,
		DPSize: topo.DPSize,
		Stage:  topo.Stage,
	}
}

// String implements fmt.Stringer.
func (p Placement) String() string {
	return fmt.Sprintf("tp=%d/%d, dp=%d/%d, stage=%s", p.TPRank, p.TPSize, p.DPRank, p.DPSize, p.Stage)
}

// PaddedVocabSize rounds vocabSize up to a multiple of dpSize, so the embedding table
// can be split evenly across the data-parallel group.
func PaddedVocabSize(vocabSize, dpSize int) int {
	return (vocabSize + dpSize - 1) / dpSize * dpSize
}

// LayerSize is the unsharded size of one layer.
type LayerSize struct {
	Name       string
	Rows, Cols int
}

// NumElements of the unsharded layer.
func (l LayerSize) NumElements() int { return l.Rows * l.Cols }

// Plan is the result of the first sharding phase.
type Plan struct {
	Config    model.Config
	Placement Placement

	// PaddedVocabSize is the number of rows of the embedding table after padding.
	PaddedVocabSize int

	// Layers are the unsharded (but vocabulary padded) layer sizes, in forward order.
	Layers []LayerSize

	// MaxLayerSize is the largest layer size times the data-parallel size.
	MaxLayerSize int

	// ScratchSize is the number of elements of the scratch buffer used to all-gather layers:
	// twice MaxLayerSize, leaving room for the gradients of a backward pass.
	ScratchSize int
}

// NewPlan validates that the model described by cfg can be sharded for the placement and sizes
// the scratch buffer. It must be called before any layer is released by ShardPipeline.
//
// All errors returned are configuration errors (see config.IsError).
func NewPlan(cfg model.Config, placement Placement) (*Plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, config.Errorf("%v", err)
	}
	if placement.TPSize <= 0 || placement.DPSize <= 0 {
		return nil, config.Errorf("invalid placement %s", placement)
	}
	if !placement.Stage.Valid() {
		return nil, config.Errorf("unknown pipeline stage %s", placement.Stage)
	}
	p := &Plan{
		Config:          cfg,
		Placement:       placement,
		PaddedVocabSize: PaddedVocabSize(cfg.VocabSize, placement.DPSize),
	}
	p.Layers = []LayerSize{
		{Name: "wte", Rows: p.PaddedVocabSize, Cols: cfg.EmbSize},
		{Name: "fc_1", Rows: cfg.SeqLen * cfg.EmbSize, Cols: cfg.HiddenSize},
		{Name: "fc_2", Rows: cfg.HiddenSize, Cols: cfg.VocabSize},
	}

	tp, dp := placement.TPSize, placement.DPSize
	if cfg.HiddenSize%tp != 0 {
		return nil, config.Errorf("hidden size %d (fc_1 output and fc_2 input features) is not divisible by tp_size %d",
			cfg.HiddenSize, tp)
	}
	if rows := cfg.SeqLen * cfg.EmbSize; rows%dp != 0 {
		return nil, config.Errorf("fc_1 input features %d (seq_len * emb_size) are not divisible by dp_size %d", rows, dp)
	}
	if rows := cfg.HiddenSize / tp; rows%dp != 0 {
		return nil, config.Errorf("fc_2 input features per tensor-parallel shard %d are not divisible by dp_size %d", rows, dp)
	}

	for _, l := range p.Layers {
		p.MaxLayerSize = max(p.MaxLayerSize, l.NumElements()*dp)
	}
	p.ScratchSize = 2 * p.MaxLayerSize
	return p, nil
}

// Apply transforms the model, which must be unsharded, to hold only the shard of the placement.
// The model must have been created with the configuration of the plan.
func (p *Plan) Apply(m *model.Model) error {
	if m.Config != p.Config {
		return errors.Errorf("model configuration %+v doesn't match plan configuration %+v", m.Config, p.Config)
	}
	if err := m.PadVocab(p.PaddedVocabSize); err != nil {
		return err
	}
	if err := ShardTensorParallel(m, p.Placement.TPRank, p.Placement.TPSize); err != nil {
		return err
	}
	if err := ShardFSDP(m, p.Placement.DPRank, p.Placement.DPSize); err != nil {
		return err
	}
	return ShardPipeline(m, p.Placement.Stage)
}
