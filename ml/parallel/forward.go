// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package parallel runs the forward pass of a model sharded in 3D (tensor, fully sharded data and
// pipeline parallelism), and drives the training steps.
//
// Each process owns the layer of one pipeline stage, sharded across its tensor-parallel and
// data-parallel groups. The layer is all-gathered across the data-parallel group into a scratch
// buffer just for the duration of its computation, and the activations flow between the stages of
// the pipeline group with point-to-point messages.
package parallel

import (
	"context"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/parallelisms/ml/data"
	"github.com/gomlx/parallelisms/ml/model"
	"github.com/gomlx/parallelisms/pkg/config"
	"github.com/gomlx/parallelisms/pkg/topology"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Forward3D runs the forward pass of the stage owned by the process and returns the loss, identical
// on every rank of the pipeline group.
//
// m must have been sharded for topo (see sharding.Plan), and scratch must be large enough to hold any
// of its layers gathered across the data-parallel group. Only the context of batch is used on the
// embedding stage, and only its labels on the loss stage.
//
// A process in an unknown stage aborts the whole process group, with a configuration error.
func Forward3D(ctx context.Context, m *model.Model, batch data.Batch, scratch []float32, topo *topology.Topology) (float32, error) {
	var loss [1]float32
	switch topo.Stage {
	case topology.StageEmbedding:
		err := WithGatheredWeight(ctx, m.Wte, topo.DP, scratch, func() error {
			return runKernels(func() { model.EmbeddingForward(m.Wte, batch.Xs, m.WteOut) })
		})
		if err != nil {
			return 0, errors.WithMessagef(err, "stage %s", topo.Stage)
		}
		if err := topo.PP.Send(ctx, m.WteOut.Value, topology.StageHidden1.PipelineRank()); err != nil {
			return 0, errors.WithMessagef(err, "stage %s sending activations", topo.Stage)
		}

	case topology.StageHidden1:
		if err := topo.PP.Recv(ctx, m.WteOutFlat.Value, topology.StageEmbedding.PipelineRank()); err != nil {
			return 0, errors.WithMessagef(err, "stage %s receiving activations", topo.Stage)
		}
		err := WithGatheredWeight(ctx, m.Fc1, topo.DP, scratch, func() error {
			return runKernels(func() { model.LinearForward(m.Fc1, m.WteOutFlat, m.Fc1Out) })
		})
		if err == nil {
			err = runKernels(func() { model.ReLU(m.Fc1Out, m.ReluOut) })
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "stage %s", topo.Stage)
		}
		if err := topo.PP.Send(ctx, m.ReluOut.Value, topology.StageHidden2Loss.PipelineRank()); err != nil {
			return 0, errors.WithMessagef(err, "stage %s sending activations", topo.Stage)
		}

	case topology.StageHidden2Loss:
		if err := topo.PP.Recv(ctx, m.ReluOut.Value, topology.StageHidden1.PipelineRank()); err != nil {
			return 0, errors.WithMessagef(err, "stage %s receiving activations", topo.Stage)
		}
		err := WithGatheredWeight(ctx, m.Fc2, topo.DP, scratch, func() error {
			return runKernels(func() { model.LinearForward(m.Fc2, m.ReluOut, m.Fc2Out) })
		})
		if err != nil {
			return 0, errors.WithMessagef(err, "stage %s", topo.Stage)
		}
		// Each tensor-parallel rank holds the contribution of its slice of the hidden features.
		if err := topo.TP.AllReduceMean(ctx, m.Fc2Out.Value); err != nil {
			return 0, errors.WithMessagef(err, "stage %s reducing logits", topo.Stage)
		}
		err = runKernels(func() {
			model.Softmax(m.Fc2Out, m.SoftmaxOut)
			loss[0] = model.CrossEntropyLoss(m.SoftmaxOut, batch.Ys)
		})
		if err != nil {
			return 0, errors.WithMessagef(err, "stage %s", topo.Stage)
		}

	default:
		err := config.Errorf("unknown pipeline stage %s for pp_rank %d", topo.Stage, topo.PPRank)
		klog.Errorf("rank %d: %v", topo.WorldRank, err)
		topo.World.Abort(err)
		return 0, err
	}

	if err := topo.PP.Broadcast(ctx, loss[:], topology.StageHidden2Loss.PipelineRank()); err != nil {
		return 0, errors.WithMessage(err, "broadcasting loss")
	}
	klog.V(1).Infof("rank %d (stage %s): loss %f", topo.WorldRank, topo.Stage, loss[0])
	return loss[0], nil
}

// runKernels converts panics of the compute kernels (shape mismatches) into errors.
func runKernels(fn func()) error {
	return exceptions.TryCatch[error](fn)
}
