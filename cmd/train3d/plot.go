// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// plotLosses saves the loss of each step as a line plot. The format is taken from the
// extension of filePath (e.g.: .png, .svg, .pdf).
func plotLosses(losses []float32, filePath string) error {
	if len(losses) == 0 {
		return errors.New("no losses to plot")
	}
	p := plot.New()
	p.Title.Text = "Loss per step"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"
	points := make(plotter.XYs, len(losses))
	for step, loss := range losses {
		points[step].X = float64(step)
		points[step].Y = float64(loss)
	}
	line, err := plotter.NewLine(points)
	if err != nil {
		return errors.Wrap(err, "creating loss line")
	}
	p.Add(line, plotter.NewGrid())
	if err := p.Save(8*vg.Inch, 4*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "saving loss plot to %q", filePath)
	}
	return nil
}
