// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package topology maps the flat world of processes to a 3D mesh of tensor-parallel,
// data-parallel and pipeline-parallel coordinates, and creates the communicators for
// each of the three axes.
package topology

import (
	"context"
	"fmt"

	"github.com/gomlx/parallelisms/pkg/collective"
	"github.com/gomlx/parallelisms/pkg/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Topology of the calling process. It is created once at start and is immutable afterward.
type Topology struct {
	Mesh Mesh

	WorldRank int

	TPRank, TPSize int
	DPRank, DPSize int
	PPRank, PPSize int

	// Stage of the pipeline owned by this process.
	Stage Stage

	// World includes every process.
	World *collective.Communicator

	// TP includes the processes sharing this process' (dp, pp) coordinates.
	TP *collective.Communicator

	// DP includes the processes sharing this process' (tp, pp) coordinates.
	DP *collective.Communicator

	// PP includes the processes sharing this process' (tp, dp) coordinates.
	PP *collective.Communicator
}

// Create the topology of the calling process.
//
// It is a collective operation over world: every process must call it, and it creates the
// tensor, data and pipeline communicators -- in this order -- with world.Split.
//
// It fails with a configuration error if ppSize != config.PipelineSize or if
// tpSize * dpSize * ppSize is not the size of the world.
func Create(ctx context.Context, world *collective.Communicator, tpSize, dpSize, ppSize int) (*Topology, error) {
	if ppSize != config.PipelineSize {
		return nil, config.Errorf("pipeline size must be %d, got %d", config.PipelineSize, ppSize)
	}
	mesh, err := NewMesh(tpSize, dpSize, ppSize)
	if err != nil {
		return nil, err
	}
	if mesh.Size() != world.Size() {
		return nil, config.Errorf("tp_size * dp_size * pp_size = %d * %d * %d = %d, but world size is %d",
			tpSize, dpSize, ppSize, mesh.Size(), world.Size())
	}
	coords := mesh.Coordinates(world.Rank())
	stage, err := StageOf(coords.PP)
	if err != nil {
		return nil, err
	}

	t := &Topology{
		Mesh:      mesh,
		WorldRank: world.Rank(),
		TPRank:    coords.TP,
		TPSize:    tpSize,
		DPRank:    coords.DP,
		DPSize:    dpSize,
		PPRank:    coords.PP,
		PPSize:    ppSize,
		Stage:     stage,
		World:     world,
	}
	for _, axis := range Axes {
		comm, err := world.Split(ctx, mesh.GroupIndex(coords, axis), coords.Get(axis))
		if err != nil {
			return nil, errors.WithMessagef(err, "creating %s communicator", axis)
		}
		if comm.Rank() != coords.Get(axis) || comm.Size() != mesh.AxisSize(axis) {
			return nil, errors.Errorf("%s communicator %s doesn't match coordinates %s", axis, comm, coords)
		}
		switch axis {
		case AxisTensor:
			t.TP = comm
		case AxisData:
			t.DP = comm
		case AxisPipeline:
			t.PP = comm
		}
	}
	klog.V(1).Infof("world rank %d: %s", world.Rank(), t)
	return t, nil
}

// Coordinates of the calling process.
func (t *Topology) Coordinates() Coordinates {
	return Coordinates{TP: t.TPRank, DP: t.DPRank, PP: t.PPRank}
}

// String implements fmt.Stringer.
func (t *Topology) String() string {
	return fmt.Sprintf("Topology(rank %d of %d, %s, stage %s)", t.WorldRank, t.Mesh.Size(), t.Coordinates(), t.Stage)
}
