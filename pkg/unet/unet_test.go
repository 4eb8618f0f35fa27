// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

// smallConfig is a 3 levels network, with attention on the coarsest level only.
func smallConfig() *Config {
	return &Config{
		Widths:                []int{8, 16, 16},
		Depth:                 3,
		IOChannels:            2,
		EmbedWidth:            4,
		EmbedStdDev:           1.0,
		KernelSize:            3,
		AttentionStartLevel:   3,
		AttentionMinWidth:     16,
		AttentionHeadChannels: 4,
	}
}

// rampSignal returns a deterministic signal shaped [batchSize, channels, length] with values in [-1, 1].
func rampSignal(batchSize, channels, length int) *tensors.Tensor {
	data := make([]float32, batchSize*channels*length)
	for ii := range data {
		data[ii] = float32(math.Sin(0.37 * float64(ii)))
	}
	return tensors.FromFlatDataAndDimensions(data, batchSize, channels, length)
}

func requireInDelta(t *testing.T, want, got []float32, delta float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for ii := range want {
		require.InDeltaf(t, want[ii], got[ii], delta, "element #%d: want %v, got %v", ii, want, got)
	}
}
