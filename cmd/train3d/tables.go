// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/parallelisms/pkg/topology"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

// setColorMode configures the rendering of the tables: "auto" detects the terminal capabilities,
// "always" forces colors and "never" renders plain text.
func setColorMode(mode string) error {
	switch mode {
	case "auto":
	case "always":
		lipgloss.SetColorProfile(termenv.TrueColor)
	case "never":
		lipgloss.SetColorProfile(termenv.Ascii)
	default:
		return errors.Errorf("invalid --color=%q, valid values are auto, always and never", mode)
	}
	return nil
}

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Right
			if col < len(alignments) {
				alignment = alignments[col]
			}
			return s.Align(alignment)
		})
}

// topologyTable lists the coordinates, stage and groups of every world rank of the mesh.
func topologyTable(mesh topology.Mesh) string {
	groupsOf := make(map[topology.Axis][][]int, len(topology.Axes))
	for _, axis := range topology.Axes {
		groupsOf[axis] = mesh.Groups(axis)
	}
	table := newPlainTable().
		Headers("Rank", "TP", "DP", "PP", "Stage", "TP group", "DP group", "PP group")
	for rank := 0; rank < mesh.Size(); rank++ {
		c := mesh.Coordinates(rank)
		stage, err := topology.StageOf(c.PP)
		stageName := stage.String()
		if err != nil {
			stageName = "?"
		}
		row := []string{strconv.Itoa(rank), strconv.Itoa(c.TP), strconv.Itoa(c.DP), strconv.Itoa(c.PP), stageName}
		for _, axis := range topology.Axes {
			row = append(row, fmt.Sprint(groupsOf[axis][mesh.GroupIndex(c, axis)]))
		}
		table.Row(row...)
	}
	return titleStyle.Render(mesh.String()) + "\n" + table.String()
}

// lossTable lists the losses observed by each rank at each step.
func lossTable(mesh topology.Mesh, losses [][]float32) string {
	headers := []string{"Rank", "Stage"}
	numSteps := 0
	for _, l := range losses {
		numSteps = max(numSteps, len(l))
	}
	for step := 0; step < numSteps; step++ {
		headers = append(headers, fmt.Sprintf("Step %d", step))
	}
	table := newPlainTable().Headers(headers...)
	for rank, rankLosses := range losses {
		stage, _ := topology.StageOf(mesh.Coordinates(rank).PP)
		row := []string{strconv.Itoa(rank), stage.String()}
		for _, loss := range rankLosses {
			row = append(row, fmt.Sprintf("%.6f", loss))
		}
		table.Row(row...)
	}
	return titleStyle.Render("Losses") + "\n" + table.String()
}
