// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

// Dataset of next-character examples, stored as flat row-major token buffers.
type Dataset struct {
	SeqLen int

	// Xs holds NumExamples() contexts of SeqLen tokens.
	Xs []int32

	// Ys holds the label (next token) of each context.
	Ys []int32
}

// Batch of examples: Xs is [BatchSize, SeqLen] and Ys is [BatchSize].
type Batch struct {
	Xs []int32
	Ys []int32
}

// Size is the number of examples in the batch.
func (b Batch) Size() int { return len(b.Ys) }

// NewDataset creates one example per character of each name, plus one for the end of the name.
// The context of an example holds the preceding characters of the name, right-aligned and
// padded on the left with EndToken.
func NewDataset(names []string, seqLen int) (*Dataset, error) {
	if seqLen <= 0 {
		return nil, errors.Errorf("invalid seq_len %d", seqLen)
	}
	ds := &Dataset{SeqLen: seqLen}
	context := make([]int32, seqLen)
	for _, name := range names {
		tokens, err := Encode(name)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, EndToken)
		clear(context)
		for _, token := range tokens {
			ds.Xs = append(ds.Xs, context...)
			ds.Ys = append(ds.Ys, token)
			copy(context, context[1:])
			context[seqLen-1] = token
		}
	}
	if len(ds.Ys) == 0 {
		return nil, errors.New("no examples: list of names is empty")
	}
	return ds, nil
}

// NumExamples in the dataset.
func (ds *Dataset) NumExamples() int { return len(ds.Ys) }

// String implements fmt.Stringer.
func (ds *Dataset) String() string {
	return fmt.Sprintf("Dataset(%d examples, seq_len=%d)", ds.NumExamples(), ds.SeqLen)
}

// Example returns the context and label of example ii. The context shares storage with the dataset.
func (ds *Dataset) Example(ii int) (context []int32, label int32) {
	return ds.Xs[ii*ds.SeqLen : (ii+1)*ds.SeqLen], ds.Ys[ii]
}

// slice returns the examples [from, to). Storage is shared.
func (ds *Dataset) slice(from, to int) *Dataset {
	return &Dataset{SeqLen: ds.SeqLen, Xs: ds.Xs[from*ds.SeqLen : to*ds.SeqLen], Ys: ds.Ys[from:to]}
}

// Shuffle the examples in place.
func (ds *Dataset) Shuffle(rng *rand.Rand) {
	seqLen := ds.SeqLen
	tmp := make([]int32, seqLen)
	rng.Shuffle(ds.NumExamples(), func(i, j int) {
		ds.Ys[i], ds.Ys[j] = ds.Ys[j], ds.Ys[i]
		xi, xj := ds.Xs[i*seqLen:(i+1)*seqLen], ds.Xs[j*seqLen:(j+1)*seqLen]
		copy(tmp, xi)
		copy(xi, xj)
		copy(xj, tmp)
	})
}

// TrainTestSplit splits the dataset in two: the first trainPercent of the examples and the rest.
// Both share storage with ds.
func (ds *Dataset) TrainTestSplit(trainPercent float64) (train, test *Dataset, err error) {
	if trainPercent <= 0 || trainPercent > 1 {
		return nil, nil, errors.Errorf("train percent must be in (0, 1], got %g", trainPercent)
	}
	n := int(float64(ds.NumExamples()) * trainPercent)
	if n == 0 {
		return nil, nil, errors.Errorf("train percent %g of %d examples leaves no training examples", trainPercent, ds.NumExamples())
	}
	return ds.slice(0, n), ds.slice(n, ds.NumExamples()), nil
}

// GlobalBatch returns the batch of globalBatchSize examples for the given step: consecutive
// steps take consecutive examples, wrapping around at the end of the dataset.
func (ds *Dataset) GlobalBatch(step, globalBatchSize int) (Batch, error) {
	if step < 0 || globalBatchSize <= 0 {
		return Batch{}, errors.Errorf("invalid step %d or global batch size %d", step, globalBatchSize)
	}
	n := ds.NumExamples()
	if n == 0 {
		return Batch{}, errors.New("empty dataset")
	}
	b := Batch{
		Xs: make([]int32, 0, globalBatchSize*ds.SeqLen),
		Ys: make([]int32, 0, globalBatchSize),
	}
	start := (step * globalBatchSize) % n
	for ii := 0; ii < globalBatchSize; ii++ {
		context, label := ds.Example((start + ii) % n)
		b.Xs = append(b.Xs, context...)
		b.Ys = append(b.Ys, label)
	}
	return b, nil
}

// RankBatch returns the part of the global batch of the step owned by the data-parallel rank dpRank:
// the global batch is split into dpSize contiguous micro-batches, in rank order.
//
// Every rank with the same dpRank gets the same examples, and the micro-batches of all the
// data-parallel ranks are disjoint and together form the global batch.
func (ds *Dataset) RankBatch(step, globalBatchSize, dpRank, dpSize int) (Batch, error) {
	if dpSize <= 0 || dpRank < 0 || dpRank >= dpSize {
		return Batch{}, errors.Errorf("invalid data-parallel rank %d of %d", dpRank, dpSize)
	}
	if globalBatchSize%dpSize != 0 {
		return Batch{}, errors.Errorf("global batch size %d is not divisible by dp_size %d", globalBatchSize, dpSize)
	}
	global, err := ds.GlobalBatch(step, globalBatchSize)
	if err != nil {
		return Batch{}, err
	}
	size := globalBatchSize / dpSize
	return Batch{
		Xs: global.Xs[dpRank*size*ds.SeqLen : (dpRank+1)*size*ds.SeqLen],
		Ys: global.Ys[dpRank*size : (dpRank+1)*size],
	}, nil
}
