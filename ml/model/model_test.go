// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddingForward(t *testing.T) {
	e := NewEmbedding(3, 2)
	copy(e.Table, []float32{0, 1, 10, 11, 20, 21})
	out := NewActivation(2, 2, 2)
	EmbeddingForward(e, []int32{2, 0, 1, 1}, out)
	assert.Equal(t, []float32{20, 21, 0, 1, 10, 11, 10, 11}, out.Value)

	require.Panics(t, func() { EmbeddingForward(e, []int32{3, 0, 0, 0}, out) })
	require.Panics(t, func() { EmbeddingForward(e, []int32{0}, out) })
}

func TestLinearForward(t *testing.T) {
	l := NewLinear(3, 2)
	// W = [[1, 2], [3, 4], [5, 6]]
	copy(l.Weight, []float32{1, 2, 3, 4, 5, 6})
	in := NewActivation(2, 3)
	copy(in.Value, []float32{1, 0, 0, 1, 1, 1})
	out := NewActivation(2, 2)
	LinearForward(l, in, out)
	assert.Equal(t, []float32{1, 2, 9, 12}, out.Value)

	require.Panics(t, func() { LinearForward(l, in, NewActivation(2, 3)) })
	require.Panics(t, func() { LinearForward(l, NewActivation(2, 2), out) })
}

func TestReLUSoftmaxCrossEntropy(t *testing.T) {
	in := NewActivation(1, 4)
	copy(in.Value, []float32{-1, 0, 2, -3})
	out := NewActivation(1, 4)
	ReLU(in, out)
	assert.Equal(t, []float32{0, 0, 2, 0}, out.Value)

	logits := NewActivation(2, 3)
	copy(logits.Value, []float32{0, 0, 0, 1000, 0, 0})
	probs := NewActivation(2, 3)
	Softmax(logits, probs)
	for ii := 0; ii < 3; ii++ {
		assert.InDelta(t, 1.0/3.0, probs.Value[ii], 1e-6)
	}
	assert.InDelta(t, 1.0, probs.Value[3], 1e-6)
	assert.InDelta(t, 0.0, probs.Value[4], 1e-6)

	// Row 0: -log(1/3); row 1: -log(1) = 0.
	loss := CrossEntropyLoss(probs, []int32{1, 0})
	assert.InDelta(t, math.Log(3)/2, loss, 1e-5)
	require.Panics(t, func() { CrossEntropyLoss(probs, []int32{3, 0}) })
}

func TestActivationReshape(t *testing.T) {
	a := NewActivation(4, 6)
	v := a.View(24)
	a.Value[5] = 7
	assert.Equal(t, float32(7), v.Value[5])

	a.Reshape(4, 3)
	assert.Equal(t, 12, a.NumElements())
	assert.Equal(t, []int{4, 3}, a.Dims)
	a.Reshape(4, 6)
	assert.Equal(t, 24, a.NumElements())
	require.Panics(t, func() { a.Reshape(5, 6) })
	require.Panics(t, func() { a.View(5) })
}

func testConfig() Config {
	return Config{BatchSize: 8, SeqLen: 4, VocabSize: 27, EmbSize: 6, HiddenSize: 12}
}

func TestNew(t *testing.T) {
	cfg := testConfig()
	m1, err := New(cfg, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	m2, err := New(cfg, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	assert.Equal(t, m1.Wte.Table, m2.Wte.Table)
	assert.Equal(t, m1.Fc1.Weight, m2.Fc1.Weight)
	assert.Equal(t, m1.Fc2.Weight, m2.Fc2.Weight)

	assert.Equal(t, 27*6, m1.Wte.NumElements())
	assert.Equal(t, 24*12, m1.Fc1.NumElements())
	assert.Equal(t, 12*27, m1.Fc2.NumElements())
	assert.Equal(t, 27*6+24*12+12*27, m1.NumParams())
	assert.Len(t, m1.Layers(), 3)
	assert.Equal(t, []int{8, 24}, m1.WteOutFlat.Dims)

	bound := float32(1 / math.Sqrt(24))
	for _, w := range m1.Fc1.Weight {
		require.True(t, w >= -bound && w < bound)
	}

	cfg.HiddenSize = 0
	_, err = New(cfg, rand.New(rand.NewSource(42)))
	require.Error(t, err)
}

func TestPadVocab(t *testing.T) {
	m, err := New(testConfig(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	original := append([]float32(nil), m.Wte.Table...)
	require.NoError(t, m.PadVocab(28))
	assert.Equal(t, 28, m.Wte.VocabSize)
	assert.Equal(t, original, m.Wte.Table[:len(original)])
	assert.Equal(t, make([]float32, 6), m.Wte.Table[len(original):])
	assert.Equal(t, 27, m.Fc2.OutFeatures)
	require.Error(t, m.PadVocab(20))
}

func TestForward(t *testing.T) {
	cfg := testConfig()
	m, err := New(cfg, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	xs := make([]int32, cfg.BatchSize*cfg.SeqLen)
	ys := make([]int32, cfg.BatchSize)
	for ii := range xs {
		xs[ii] = int32(ii % cfg.VocabSize)
	}
	for ii := range ys {
		ys[ii] = int32((ii * 5) % cfg.VocabSize)
	}
	loss := m.Forward(xs, ys)
	require.False(t, math.IsNaN(float64(loss)))
	// Close to uniform at initialization.
	assert.InDelta(t, math.Log(27), loss, 1.5)
	assert.Equal(t, loss, m.Forward(xs, ys))

	// Padding the vocabulary doesn't change the result.
	require.NoError(t, m.PadVocab(30))
	assert.Equal(t, loss, m.Forward(xs, ys))
}
