// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the hyperparameters and parallelism sizes of a 3D-parallel run,
// and the configuration error type used across the repository.
//
// Every configuration error is fatal: it is detected before any communication happens
// whenever possible, reported on world rank 0 and followed by an abort of the whole
// process group.
package config

import (
	"fmt"
	"strings"
)

// PipelineSize is the number of pipeline stages: embedding, hidden-1 and hidden-2/loss.
// It is not configurable.
const PipelineSize = 3

// Config holds the parallelism sizes and the model/data hyperparameters.
type Config struct {
	// TP is the tensor-parallel group size.
	TP int
	// DP is the data-parallel (FSDP) group size.
	DP int

	// GlobalBatchSize is split evenly across the data-parallel ranks.
	GlobalBatchSize int

	// SeqLen is the number of context tokens per example: the length of the longest word.
	SeqLen int

	VocabSize  int
	EmbSize    int
	HiddenSize int

	// Seed for parameter initialization and dataset shuffling. All ranks must use the same seed.
	Seed int64

	// TrainPercent is the fraction of the dataset used for the train split.
	TrainPercent float64
}

// Default returns the configuration of the reference run: a character-level names model
// with a 27 tokens vocabulary.
func Default() Config {
	embSize := 16
	return Config{
		TP:              1,
		DP:              1,
		GlobalBatchSize: 32,
		SeqLen:          16,
		VocabSize:       27,
		EmbSize:         embSize,
		HiddenSize:      4 * embSize,
		Seed:            42,
		TrainPercent:    0.9,
	}
}

// WorldSize is the number of processes required by the configuration: TP * DP * PipelineSize.
func (c Config) WorldSize() int {
	return c.TP * c.DP * PipelineSize
}

// BatchSize returns the per-rank (micro) batch size. Only valid after Validate.
func (c Config) BatchSize() int {
	return c.GlobalBatchSize / c.DP
}

// Validate checks the configuration against the number of processes available.
// It doesn't communicate, so it can (and should) be called before any collective operation.
func (c Config) Validate(worldSize int) error {
	if c.TP <= 0 || c.DP <= 0 {
		return Errorf("tensor-parallel (%d) and data-parallel (%d) sizes must be positive", c.TP, c.DP)
	}
	if c.WorldSize() != worldSize {
		return Errorf("tp_size * dp_size * pp_size = %d * %d * %d = %d, but world size is %d",
			c.TP, c.DP, PipelineSize, c.WorldSize(), worldSize)
	}
	for _, p := range c.Params() {
		if value, ok := p.Value.(int); ok && value <= 0 {
			return Errorf("%s must be positive, got %d", p.Key, value)
		}
	}
	if c.GlobalBatchSize%c.DP != 0 {
		return Errorf("global batch size %d must be divisible by the data-parallel size %d",
			c.GlobalBatchSize, c.DP)
	}
	if c.TrainPercent <= 0 || c.TrainPercent > 1 {
		return Errorf("train_percent must be in (0, 1], got %g", c.TrainPercent)
	}
	return nil
}

// String implements fmt.Stringer.
func (c Config) String() string {
	var parts []string
	for _, p := range c.Params() {
		parts = append(parts, fmt.Sprintf("%s=%v", p.Key, p.Value))
	}
	return fmt.Sprintf("Config(tp=%d, dp=%d, pp=%d, %s)", c.TP, c.DP, PipelineSize, strings.Join(parts, ", "))
}
