// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"slices"

	"github.com/gomlx/parallelisms/ml/model"
	"github.com/gomlx/parallelisms/pkg/config"
	"github.com/gomlx/parallelisms/pkg/topology"
	"k8s.io/klog/v2"
)

// ShardTensorParallel keeps in m only the tensor-parallel shard tpRank out of tpSize:
//
//   - fc_1 is split by columns: block i holds output features [i*H/tp, (i+1)*H/tp).
//   - fc_2 is split by rows: block i holds input features [i*H/tp, (i+1)*H/tp).
//
// The activations between them (Fc1Out and ReluOut) shrink to [B, H/tp]. Each rank of the
// tensor-parallel group then computes partial logits, to be reduced across the group.
// The embedding is replicated.
func ShardTensorParallel(m *model.Model, tpRank, tpSize int) error {
	if tpSize <= 0 || tpRank < 0 || tpRank >= tpSize {
		return config.Errorf("invalid tensor-parallel rank %d of %d", tpRank, tpSize)
	}
	if m.Fc1 == nil || m.Fc2 == nil {
		return config.Errorf("tensor-parallel sharding requires fc_1 and fc_2, model is %s", m)
	}
	if tpSize == 1 {
		return nil
	}
	if m.Fc1.OutFeatures%tpSize != 0 {
		return config.Errorf("fc_1 output features %d are not divisible by tp_size %d", m.Fc1.OutFeatures, tpSize)
	}
	if m.Fc2.InFeatures%tpSize != 0 {
		return config.Errorf("fc_2 input features %d are not divisible by tp_size %d", m.Fc2.InFeatures, tpSize)
	}

	// fc_1: columns are strided in the row-major buffer, so the block is copied row by row.
	fc1 := m.Fc1
	cols := fc1.OutFeatures / tpSize
	weight := make([]float32, fc1.InFeatures*cols)
	for row := 0; row < fc1.InFeatures; row++ {
		start := row*fc1.OutFeatures + tpRank*cols
		copy(weight[row*cols:(row+1)*cols], fc1.Weight[start:start+cols])
	}
	m.Fc1 = &model.Linear{Weight: weight, InFeatures: fc1.InFeatures, OutFeatures: cols}

	// fc_2: rows are contiguous.
	rows := m.Fc2.InFeatures / tpSize
	blockSize := rows * m.Fc2.OutFeatures
	m.Fc2.SetParams(slices.Clone(m.Fc2.Weight[tpRank*blockSize:(tpRank+1)*blockSize]), rows)

	m.Fc1Out.Reshape(m.BatchSize, cols)
	m.ReluOut.Reshape(m.BatchSize, cols)
	klog.V(2).Infof("tensor-parallel shard %d/%d: fc_1=%s, fc_2=%s", tpRank, tpSize, m.Fc1, m.Fc2)
	return nil
}

// ShardFSDP keeps in m only the data-parallel shard dpRank out of dpSize of every resident
// layer: the row-major parameter buffer is split into dpSize contiguous blocks of rows.
func ShardFSDP(m *model.Model, dpRank, dpSize int) error {
	if dpSize <= 0 || dpRank < 0 || dpRank >= dpSize {
		return config.Errorf("invalid data-parallel rank %d of %d", dpRank, dpSize)
	}
	layers := m.Layers()
	for _, l := range layers {
		if l.Layer.Rows()%dpSize != 0 {
			return config.Errorf("%s rows %d are not divisible by dp_size %d", l.Name, l.Layer.Rows(), dpSize)
		}
	}
	if dpSize == 1 {
		return nil
	}
	for _, l := range layers {
		params := l.Layer.Params()
		blockSize := len(params) / dpSize
		l.Layer.SetParams(slices.Clone(params[dpRank*blockSize:(dpRank+1)*blockSize]), l.Layer.Rows()/dpSize)
		klog.V(2).Infof("FSDP shard %d/%d: %s=%v", dpRank, dpSize, l.Name, l.Layer)
	}
	return nil
}

// ShardPipeline releases every layer not owned by stage:
// StageEmbedding keeps wte, StageHidden1 keeps fc_1 and StageHidden2Loss keeps fc_2.
func ShardPipeline(m *model.Model, stage topology.Stage) error {
	switch stage {
	case topology.StageEmbedding:
		m.Fc1, m.Fc2 = nil, nil
	case topology.StageHidden1:
		m.Wte, m.Fc2 = nil, nil
	case topology.StageHidden2Loss:
		m.Wte, m.Fc1 = nil, nil
	default:
		return config.Errorf("unknown pipeline stage %s", stage)
	}
	return nil
}
