// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package topology

import (
	"fmt"

	"github.com/gomlx/parallelisms/pkg/config"
)

// Stage of the pipeline owned by a process. Its value is the pipeline rank.
type Stage int

const (
	// StageEmbedding owns the embedding table.
	StageEmbedding Stage = iota

	// StageHidden1 owns the first linear layer and the non-linearity.
	StageHidden1

	// StageHidden2Loss owns the second linear layer, the softmax and the loss.
	StageHidden2Loss
)

// StageOf returns the stage of the given pipeline rank, or a configuration error if there is no such stage.
func StageOf(ppRank int) (Stage, error) {
	stage := Stage(ppRank)
	if !stage.Valid() {
		return stage, config.Errorf("unknown pipeline stage for pp_rank %d: only %d stages are supported",
			ppRank, config.PipelineSize)
	}
	return stage, nil
}

// Valid returns whether the stage is one of the known stages.
func (s Stage) Valid() bool {
	return s >= StageEmbedding && s <= StageHidden2Loss
}

// PipelineRank returns the rank in the pipeline group of the processes at this stage.
func (s Stage) PipelineRank() int { return int(s) }

// String implements fmt.Stringer.
func (s Stage) String() string {
	switch s {
	case StageEmbedding:
		return "Embedding"
	case StageHidden1:
		return "Hidden1"
	case StageHidden2Loss:
		return "Hidden2Loss"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}
