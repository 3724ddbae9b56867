// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package topology

import (
	"fmt"

	"github.com/gomlx/parallelisms/pkg/config"
)

// Axis of the 3D mesh of processes.
type Axis int

const (
	AxisTensor Axis = iota
	AxisData
	AxisPipeline
)

// Axes lists the mesh axes in the order their communicators are created.
var Axes = []Axis{AxisTensor, AxisData, AxisPipeline}

// String implements fmt.Stringer.
func (a Axis) String() string {
	switch a {
	case AxisTensor:
		return "tp"
	case AxisData:
		return "dp"
	case AxisPipeline:
		return "pp"
	default:
		return fmt.Sprintf("Axis(%d)", int(a))
	}
}

// Coordinates of a process in the 3D mesh.
type Coordinates struct {
	TP, DP, PP int
}

// Get returns the coordinate along the given axis.
func (c Coordinates) Get(axis Axis) int {
	switch axis {
	case AxisTensor:
		return c.TP
	case AxisData:
		return c.DP
	default:
		return c.PP
	}
}

// String implements fmt.Stringer.
func (c Coordinates) String() string {
	return fmt.Sprintf("(tp=%d, dp=%d, pp=%d)", c.TP, c.DP, c.PP)
}

// Mesh is the pure description of the 3D layout of the processes: it maps world ranks to
// coordinates and back.
//
// The tensor-parallel coordinate varies fastest, then data-parallel, then pipeline:
//
//	rank = pp * (DPSize * TPSize) + dp * TPSize + tp
//
// So tensor-parallel groups are made of consecutive ranks -- typically on the same host -- and
// each pipeline stage is a contiguous block of DPSize * TPSize ranks.
type Mesh struct {
	TPSize, DPSize, PPSize int
}

// NewMesh validates the sizes and returns the corresponding Mesh.
func NewMesh(tpSize, dpSize, ppSize int) (Mesh, error) {
	if tpSize <= 0 || dpSize <= 0 || ppSize <= 0 {
		return Mesh{}, config.Errorf("mesh sizes must be positive, got tp=%d, dp=%d, pp=%d", tpSize, dpSize, ppSize)
	}
	return Mesh{TPSize: tpSize, DPSize: dpSize, PPSize: ppSize}, nil
}

// Size is the number of processes in the mesh.
func (m Mesh) Size() int {
	return m.TPSize * m.DPSize * m.PPSize
}

// AxisSize returns the size of the mesh along the given axis.
func (m Mesh) AxisSize(axis Axis) int {
	switch axis {
	case AxisTensor:
		return m.TPSize
	case AxisData:
		return m.DPSize
	default:
		return m.PPSize
	}
}

// Coordinates of the given world rank.
func (m Mesh) Coordinates(rank int) Coordinates {
	return Coordinates{
		TP: rank % m.TPSize,
		DP: (rank / m.TPSize) % m.DPSize,
		PP: rank / (m.TPSize * m.DPSize),
	}
}

// Rank returns the world rank at the given coordinates.
func (m Mesh) Rank(c Coordinates) int {
	return c.PP*m.DPSize*m.TPSize + c.DP*m.TPSize + c.TP
}

// GroupIndex returns the index of the group along the axis that includes the process at c: it
// enumerates the combinations of the two other coordinates.
func (m Mesh) GroupIndex(c Coordinates, axis Axis) int {
	switch axis {
	case AxisTensor:
		return c.PP*m.DPSize + c.DP
	case AxisData:
		return c.PP*m.TPSize + c.TP
	default:
		return c.DP*m.TPSize + c.TP
	}
}

// Groups returns the world ranks of each group along the given axis: the processes that share
// the two other coordinates. Each group is ordered by the coordinate along the axis, which is
// also the in-group rank.
//
// Example: for tp=2, dp=1, pp=3, Groups(AxisPipeline) returns {{0, 2, 4}, {1, 3, 5}}.
func (m Mesh) Groups(axis Axis) [][]int {
	axisSize := m.AxisSize(axis)
	groups := make([][]int, m.Size()/axisSize)
	for ii := range groups {
		groups[ii] = make([]int, axisSize)
	}
	for rank := 0; rank < m.Size(); rank++ {
		c := m.Coordinates(rank)
		groups[m.GroupIndex(c, axis)][c.Get(axis)] = rank
	}
	return groups
}

// String implements fmt.Stringer.
func (m Mesh) String() string {
	return fmt.Sprintf("Mesh(tp=%d, dp=%d, pp=%d)", m.TPSize, m.DPSize, m.PPSize)
}
