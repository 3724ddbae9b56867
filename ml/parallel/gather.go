// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"context"

	"github.com/gomlx/parallelisms/ml/model"
	"github.com/gomlx/parallelisms/pkg/collective"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Gatherable is a layer whose parameters are sharded by rows across a group, and that can
// temporarily be pointed to the gathered full tensor.
type Gatherable = model.Parameterized

// WithGatheredWeight all-gathers the shards of layer across group into scratch, points the layer to
// the gathered (full) parameters -- with the number of rows multiplied by the group size -- and
// calls fn.
//
// The layer's shard and shape are restored when fn returns, with an error or not, and if it panics.
// The gathered parameters must not be used after fn returns: scratch is reused by the next layer.
func WithGatheredWeight(ctx context.Context, layer Gatherable, group *collective.Communicator,
	scratch []float32, fn func() error) error {
	shard, rows := layer.Params(), layer.Rows()
	n := len(shard) * group.Size()
	if n > len(scratch) {
		return errors.Errorf("scratch buffer of %d elements too small to gather %d elements of %v over %s",
			len(scratch), n, layer, group)
	}
	full := scratch[:n]
	if err := group.AllGather(ctx, shard, full); err != nil {
		return errors.WithMessagef(err, "gathering %v", layer)
	}
	klog.V(2).Infof("%s: gathered %v into %d elements", group.ID(), layer, n)
	layer.SetParams(full, rows*group.Size())
	defer layer.SetParams(shard, rows)
	return fn()
}
