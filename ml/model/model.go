// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the dense model trained with 3D parallelism -- an embedding
// followed by a two-layer perceptron predicting the next token -- along with its
// compute kernels.
//
// The model owns one fixed activation buffer per named slot, sized for the per-rank batch.
// Sharding (package sharding) only changes the parameters and the effective shapes.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Config describes the unsharded model.
type Config struct {
	// BatchSize is the number of examples processed by one forward pass on one rank.
	BatchSize int

	// SeqLen is the number of context tokens per example.
	SeqLen int

	VocabSize  int
	EmbSize    int
	HiddenSize int
}

// Validate checks that all sizes are positive.
func (c Config) Validate() error {
	if c.BatchSize <= 0 || c.SeqLen <= 0 || c.VocabSize <= 0 || c.EmbSize <= 0 || c.HiddenSize <= 0 {
		return errors.Errorf("invalid model configuration %+v: all sizes must be positive", c)
	}
	return nil
}

// Model is the embedding table plus two linear layers:
//
//	wte: [VocabSize, EmbSize]  tokens -> WteOut [B, SeqLen, EmbSize]
//	fc1: [SeqLen*EmbSize, HiddenSize]  WteOutFlat -> Fc1Out -> ReLU -> ReluOut [B, HiddenSize]
//	fc2: [HiddenSize, VocabSize]  ReluOut -> Fc2Out (logits) -> Softmax -> SoftmaxOut [B, VocabSize]
//
// Layers not owned by the pipeline stage of the process are nil after sharding.
type Model struct {
	Config

	Wte *Embedding
	Fc1 *Linear
	Fc2 *Linear

	WteOut     *Activation
	WteOutFlat *Activation // Shares storage with WteOut.
	Fc1Out     *Activation
	ReluOut    *Activation
	Fc2Out     *Activation
	SoftmaxOut *Activation
}

// New creates the full (unsharded) model, with parameters initialized from rng.
//
// Every process must create the model with an rng seeded identically, so that all shards come
// from the same parameters -- and match a single-process run with the same seed.
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		Config: cfg,
		Wte:    NewEmbedding(cfg.VocabSize, cfg.EmbSize),
		Fc1:    NewLinear(cfg.SeqLen*cfg.EmbSize, cfg.HiddenSize),
		Fc2:    NewLinear(cfg.HiddenSize, cfg.VocabSize),
	}
	for ii := range m.Wte.Table {
		m.Wte.Table[ii] = float32(rng.NormFloat64())
	}
	initUniform(m.Fc1, rng)
	initUniform(m.Fc2, rng)

	m.WteOut = NewActivation(cfg.BatchSize, cfg.SeqLen, cfg.EmbSize)
	m.WteOutFlat = m.WteOut.View(cfg.BatchSize, cfg.SeqLen*cfg.EmbSize)
	m.Fc1Out = NewActivation(cfg.BatchSize, cfg.HiddenSize)
	m.ReluOut = NewActivation(cfg.BatchSize, cfg.HiddenSize)
	m.Fc2Out = NewActivation(cfg.BatchSize, cfg.VocabSize)
	m.SoftmaxOut = NewActivation(cfg.BatchSize, cfg.VocabSize)
	return m, nil
}

// initUniform initializes the weights uniformly in [-1/sqrt(in), 1/sqrt(in)).
func initUniform(l *Linear, rng *rand.Rand) {
	bound := 1 / math.Sqrt(float64(l.InFeatures))
	for ii := range l.Weight {
		l.Weight[ii] = float32((2*rng.Float64() - 1) * bound)
	}
}

// PadVocab grows the embedding table to paddedVocabSize rows, filling the new rows with zeros.
// Token ids below the original vocabulary size keep their embeddings, and the output layer is
// unchanged: padded ids are never predicted.
func (m *Model) PadVocab(paddedVocabSize int) error {
	if m.Wte == nil {
		return errors.New("PadVocab: model has no embedding table")
	}
	if paddedVocabSize < m.Wte.VocabSize {
		return errors.Errorf("PadVocab: padded vocabulary size %d smaller than current %d", paddedVocabSize, m.Wte.VocabSize)
	}
	table := make([]float32, paddedVocabSize*m.Wte.EmbSize)
	copy(table, m.Wte.Table)
	m.Wte.SetParams(table, paddedVocabSize)
	return nil
}

// NamedLayer is a layer and its name in the model.
type NamedLayer struct {
	Name  string
	Layer Parameterized
}

// Layers returns the layers currently resident in the model, in forward order.
func (m *Model) Layers() []NamedLayer {
	var layers []NamedLayer
	if m.Wte != nil {
		layers = append(layers, NamedLayer{"wte", m.Wte})
	}
	if m.Fc1 != nil {
		layers = append(layers, NamedLayer{"fc_1", m.Fc1})
	}
	if m.Fc2 != nil {
		layers = append(layers, NamedLayer{"fc_2", m.Fc2})
	}
	return layers
}

// NumParams is the number of parameters resident in the model.
func (m *Model) NumParams() int {
	var n int
	for _, l := range m.Layers() {
		n += len(l.Layer.Params())
	}
	return n
}

// Forward runs the whole model in a single process and returns the loss.
// It requires the model to be unsharded.
func (m *Model) Forward(xs, ys []int32) float32 {
	EmbeddingForward(m.Wte, xs, m.WteOut)
	LinearForward(m.Fc1, m.WteOutFlat, m.Fc1Out)
	ReLU(m.Fc1Out, m.ReluOut)
	LinearForward(m.Fc2, m.ReluOut, m.Fc2Out)
	Softmax(m.Fc2Out, m.SoftmaxOut)
	return CrossEntropyLoss(m.SoftmaxOut, ys)
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("Model(batch=%d, seq_len=%d, wte=%v, fc_1=%v, fc_2=%v)",
		m.BatchSize, m.SeqLen, m.Wte, m.Fc1, m.Fc2)
}
