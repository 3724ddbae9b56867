// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"fmt"

	"k8s.io/klog/v2"
)

// Rank0Infof logs only if worldRank is 0, so that messages identical on every rank are reported once.
func Rank0Infof(worldRank int, format string, args ...any) {
	if worldRank != 0 {
		return
	}
	klog.InfoDepth(1, fmt.Sprintf(format, args...))
}

// Rank0Errorf is the error counterpart of Rank0Infof.
func Rank0Errorf(worldRank int, format string, args ...any) {
	if worldRank != 0 {
		return
	}
	klog.ErrorDepth(1, fmt.Sprintf(format, args...))
}
