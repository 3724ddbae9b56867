// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// Parameterized is implemented by layers whose parameters are stored as a contiguous
// row-major buffer, so they can be sharded along the leading axis (the rows).
//
// SetParams replaces the buffer and the effective number of rows: it is used to shard a layer
// and to temporarily swap in a gathered (full) view of it.
type Parameterized interface {
	Params() []float32
	Rows() int
	SetParams(params []float32, rows int)
}

// Embedding is a lookup table of shape [VocabSize, EmbSize].
//
// VocabSize is the effective number of rows: after sharding it only counts the rows
// resident in this process.
type Embedding struct {
	Table     []float32
	VocabSize int
	EmbSize   int
}

var _ Parameterized = (*Embedding)(nil)

// NewEmbedding returns a zero-initialized table.
func NewEmbedding(vocabSize, embSize int) *Embedding {
	return &Embedding{
		Table:     make([]float32, vocabSize*embSize),
		VocabSize: vocabSize,
		EmbSize:   embSize,
	}
}

// NumElements of the resident table.
func (e *Embedding) NumElements() int { return len(e.Table) }

// Params implements Parameterized.
func (e *Embedding) Params() []float32 { return e.Table }

// Rows implements Parameterized.
func (e *Embedding) Rows() int { return e.VocabSize }

// SetParams implements Parameterized.
func (e *Embedding) SetParams(params []float32, rows int) {
	if rows*e.EmbSize != len(params) {
		exceptions.Panicf("Embedding.SetParams: %d rows of %d elements don't match buffer of %d elements",
			rows, e.EmbSize, len(params))
	}
	e.Table = params
	e.VocabSize = rows
}

// String implements fmt.Stringer.
func (e *Embedding) String() string {
	return fmt.Sprintf("Embedding[%d, %d]", e.VocabSize, e.EmbSize)
}

// Linear is a weight matrix of shape [InFeatures, OutFeatures], computing y = x·W.
//
// InFeatures and OutFeatures are the effective shape: after sharding they only count the
// part of the matrix resident in this process.
type Linear struct {
	Weight      []float32
	InFeatures  int
	OutFeatures int
}

var _ Parameterized = (*Linear)(nil)

// NewLinear returns a zero-initialized layer.
func NewLinear(inFeatures, outFeatures int) *Linear {
	return &Linear{
		Weight:      make([]float32, inFeatures*outFeatures),
		InFeatures:  inFeatures,
		OutFeatures: outFeatures,
	}
}

// NumElements of the resident weights.
func (l *Linear) NumElements() int { return len(l.Weight) }

// Params implements Parameterized.
func (l *Linear) Params() []float32 { return l.Weight }

// Rows implements Parameterized.
func (l *Linear) Rows() int { return l.InFeatures }

// SetParams implements Parameterized.
func (l *Linear) SetParams(params []float32, rows int) {
	if rows*l.OutFeatures != len(params) {
		exceptions.Panicf("Linear.SetParams: %d rows of %d elements don't match buffer of %d elements",
			rows, l.OutFeatures, len(params))
	}
	l.Weight = params
	l.InFeatures = rows
}

// String implements fmt.Stringer.
func (l *Linear) String() string {
	return fmt.Sprintf("Linear[%d, %d]", l.InFeatures, l.OutFeatures)
}

// Activation is a fixed buffer for the output of one layer, with its effective dimensions.
//
// The storage is allocated once, at model construction, and never re-allocated: Reshape
// only changes the effective dimensions within the original capacity.
type Activation struct {
	Value []float32
	Dims  []int
}

// NewActivation allocates an activation of the given dimensions.
func NewActivation(dims ...int) *Activation {
	return &Activation{
		Value: make([]float32, product(dims)),
		Dims:  append([]int(nil), dims...),
	}
}

// View returns an activation sharing the storage of a, with different dimensions.
func (a *Activation) View(dims ...int) *Activation {
	n := product(dims)
	if n != len(a.Value) {
		exceptions.Panicf("Activation.View(%v) of %d elements for an activation of %d elements", dims, n, len(a.Value))
	}
	return &Activation{Value: a.Value, Dims: append([]int(nil), dims...)}
}

// Reshape changes the effective dimensions, without re-allocating storage.
// It panics if the new dimensions need more elements than the original allocation.
func (a *Activation) Reshape(dims ...int) {
	n := product(dims)
	if n > cap(a.Value) {
		exceptions.Panicf("Activation.Reshape(%v) needs %d elements, capacity is %d", dims, n, cap(a.Value))
	}
	a.Value = a.Value[:n]
	a.Dims = append(a.Dims[:0], dims...)
}

// NumElements is the effective number of elements.
func (a *Activation) NumElements() int { return len(a.Value) }

// String implements fmt.Stringer.
func (a *Activation) String() string {
	return fmt.Sprintf("Activation%v", a.Dims)
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		if d <= 0 {
			exceptions.Panicf("invalid dimensions %v", dims)
		}
		n *= d
	}
	return n
}
