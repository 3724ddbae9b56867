// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"math"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// The compute kernels below work on the effective shapes currently set on the layers and
// activations, and panic (with exceptions.Panicf) if the shapes don't match.
// They know nothing about the distributed state.

// EmbeddingForward looks up the embedding of each index: out[i, :] = table[indices[i], :].
// out must have indices' length times e.EmbSize elements.
func EmbeddingForward(e *Embedding, indices []int32, out *Activation) {
	if out.NumElements() != len(indices)*e.EmbSize {
		exceptions.Panicf("EmbeddingForward: %d indices of %s require an output of %d elements, got %s",
			len(indices), e, len(indices)*e.EmbSize, out)
	}
	embSize := e.EmbSize
	for ii, idx := range indices {
		if idx < 0 || int(idx) >= e.VocabSize {
			exceptions.Panicf("EmbeddingForward: index %d at position %d is out of range for %s", idx, ii, e)
		}
		row := int(idx) * embSize
		copy(out.Value[ii*embSize:(ii+1)*embSize], e.Table[row:row+embSize])
	}
}

// LinearForward computes out = in · W, where in is [batch, InFeatures] and out is [batch, OutFeatures].
func LinearForward(l *Linear, in, out *Activation) {
	if in.NumElements()%l.InFeatures != 0 {
		exceptions.Panicf("LinearForward: input %s is not a multiple of %s input features", in, l)
	}
	batch := in.NumElements() / l.InFeatures
	if out.NumElements() != batch*l.OutFeatures {
		exceptions.Panicf("LinearForward: input %s and %s require an output of [%d, %d], got %s",
			in, l, batch, l.OutFeatures, out)
	}
	if len(l.Weight) != l.InFeatures*l.OutFeatures {
		exceptions.Panicf("LinearForward: %s has %d weights", l, len(l.Weight))
	}
	x := blas32.General{Rows: batch, Cols: l.InFeatures, Stride: l.InFeatures, Data: in.Value}
	w := blas32.General{Rows: l.InFeatures, Cols: l.OutFeatures, Stride: l.OutFeatures, Data: l.Weight}
	y := blas32.General{Rows: batch, Cols: l.OutFeatures, Stride: l.OutFeatures, Data: out.Value}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, x, w, 0, y)
}

// ReLU computes out = max(in, 0).
func ReLU(in, out *Activation) {
	if in.NumElements() != out.NumElements() {
		exceptions.Panicf("ReLU: input %s and output %s sizes differ", in, out)
	}
	for ii, v := range in.Value {
		if v > 0 {
			out.Value[ii] = v
		} else {
			out.Value[ii] = 0
		}
	}
}

// Softmax normalizes each row (the last dimension) of in into probabilities.
func Softmax(in, out *Activation) {
	if in.NumElements() != out.NumElements() || len(in.Dims) == 0 {
		exceptions.Panicf("Softmax: input %s and output %s don't match", in, out)
	}
	cols := in.Dims[len(in.Dims)-1]
	for start := 0; start < in.NumElements(); start += cols {
		row, outRow := in.Value[start:start+cols], out.Value[start:start+cols]
		maxV := row[0]
		for _, v := range row[1:] {
			maxV = max(maxV, v)
		}
		var sum float64
		for ii, v := range row {
			e := math.Exp(float64(v - maxV))
			outRow[ii] = float32(e)
			sum += e
		}
		for ii := range outRow {
			outRow[ii] = float32(float64(outRow[ii]) / sum)
		}
	}
}

// CrossEntropyLoss returns the mean over the batch of -log(probabilities[i, labels[i]]).
// probabilities is [batch, numClasses].
func CrossEntropyLoss(probabilities *Activation, labels []int32) float32 {
	if len(labels) == 0 || probabilities.NumElements()%len(labels) != 0 {
		exceptions.Panicf("CrossEntropyLoss: %d labels for probabilities %s", len(labels), probabilities)
	}
	numClasses := probabilities.NumElements() / len(labels)
	var sum float64
	for ii, label := range labels {
		if label < 0 || int(label) >= numClasses {
			exceptions.Panicf("CrossEntropyLoss: label %d at position %d is out of range [0, %d)", label, ii, numClasses)
		}
		p := float64(probabilities.Value[ii*numClasses+int(label)])
		sum -= math.Log(max(p, math.SmallestNonzeroFloat32))
	}
	return float32(sum / float64(len(labels)))
}
