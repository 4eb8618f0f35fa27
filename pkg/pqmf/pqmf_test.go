// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pqmf

import (
	"math"
	"testing"

	"github.com/gomlx/audiodiffusion/internal/testutil"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestKaiser(t *testing.T) {
	assert.InDelta(t, 10.06126, KaiserBeta(100), 1e-5)
	assert.Zero(t, KaiserBeta(20))
	assert.Equal(t, 1, KaiserOrder(100, math.Pi*1e6)%2)
	assert.Equal(t, 1, KaiserOrder(100, 0.3)%2)

	// Symmetric prototype, peaking at the center, with the Kaiser window tapering the sinc.
	h, err := LowpassPrototype(0.4, 60)
	require.NoError(t, err)
	numTaps := KaiserOrder(60, 0.4)
	require.Len(t, h, numTaps)
	center := numTaps / 2
	assert.InDelta(t, 0.4/math.Pi, h[center], 1e-12)
	for ii := range center {
		assert.InDelta(t, h[ii], h[numTaps-1-ii], 1e-12)
	}
	assert.Less(t, math.Abs(h[0]), 1e-2*h[center])
}

func TestDesignPrototype(t *testing.T) {
	h, cutoff, err := DesignPrototype(4, DefaultAttenuation)
	require.NoError(t, err)
	require.Equal(t, 1, len(h)%2)
	assert.InDelta(t, math.Pi/8, cutoff, math.Pi/16)
	for ii := range len(h) / 2 {
		require.InDelta(t, h[ii], h[len(h)-1-ii], 1e-12)
	}
	energy := floats.Dot(h, h)
	// Power complementary bands: the prototype energy is about 1/(2M).
	assert.InDelta(t, 1.0/8, energy, 0.015)
	assert.Less(t, reconstructionLoss(h, 4), 0.01*energy)

	_, _, err = DesignPrototype(0, DefaultAttenuation)
	require.Error(t, err)
	_, _, err = DesignPrototype(4, 5)
	require.Error(t, err)
}

func sineSignal(batchSize, channels, length int, frequency float64) *tensors.Tensor {
	data := make([]float32, batchSize*channels*length)
	for b := range batchSize {
		for c := range channels {
			for ii := range length {
				phase := float64(b*channels+c) * 0.7
				data[(b*channels+c)*length+ii] = float32(0.5 * math.Sin(2*math.Pi*frequency*float64(ii)+phase))
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(data, batchSize, channels, length)
}

func TestAnalysisSynthesis(t *testing.T) {
	backend := testutil.Backend(t)
	bank, err := New(4, DefaultAttenuation)
	require.NoError(t, err)
	taps := bank.FilterLength()
	const length = 1024
	x := sineSignal(2, 2, length, 0.01)

	outputs := CallOnceN(backend, func(x *Node) []*Node {
		bands := bank.Analysis(x)
		return []*Node{bands, bank.Synthesis(bands)}
	}, x)
	require.Equal(t, []int{2, 8, length / 4}, outputs[0].Shape().Dimensions)
	require.Equal(t, []int{2, 2, length}, outputs[1].Shape().Dimensions)

	want := tensors.MustCopyFlatData[float32](x)
	got := tensors.MustCopyFlatData[float32](outputs[1])
	for row := range 4 {
		for ii := 2 * taps; ii < length-2*taps; ii++ {
			idx := row*length + ii
			require.InDeltaf(t, want[idx], got[idx], 0.03, "row %d, position %d", row, ii)
		}
	}

	// A low frequency lands in the first band of each channel.
	bands := tensors.MustCopyFlatData[float32](outputs[0])
	bandLength := length / 4
	energies := make([]float64, 4)
	for k := range 4 {
		for ii := taps; ii < bandLength-taps; ii++ {
			v := float64(bands[k*bandLength+ii])
			energies[k] += v * v
		}
	}
	assert.Greater(t, energies[0], 0.95*floats.Sum(energies))
}

func TestSynthesis(t *testing.T) {
	backend := testutil.Backend(t)
	for _, numBands := range []int{2, 3, 4} {
		bank, err := New(numBands, DefaultAttenuation)
		require.NoError(t, err)
		length := 4 * bank.FilterLength()
		// A single impulse in the first band of each channel.
		data := make([]float32, 2*numBands*length)
		for ch := range 2 {
			data[ch*numBands*length+length/2] = 1
		}
		input := tensors.FromFlatDataAndDimensions(data, 1, 2*numBands, length)
		output := CallOnce(backend, func(x *Node) *Node { return bank.Synthesis(x) }, input)
		require.Equalf(t, []int{1, 2, length * numBands}, output.Shape().Dimensions, "%d bands", numBands)
		values := tensors.MustCopyFlatData[float32](output)
		var energy float64
		for _, v := range values {
			energy += float64(v) * float64(v)
		}
		assert.Greaterf(t, energy, 0.0, "%d bands", numBands)
	}
}

func TestIdentityBank(t *testing.T) {
	backend := testutil.Backend(t)
	bank, err := New(1, DefaultAttenuation)
	require.NoError(t, err)
	assert.Zero(t, bank.FilterLength())
	x := sineSignal(1, 2, 16, 0.1)
	output := CallOnce(backend, func(x *Node) *Node {
		return bank.Synthesis(bank.Analysis(x))
	}, x)
	assert.Equal(t, tensors.MustCopyFlatData[float32](x), tensors.MustCopyFlatData[float32](output))
}

func TestAnalysisBadShapes(t *testing.T) {
	backend := testutil.Backend(t)
	bank, err := New(2, DefaultAttenuation)
	require.NoError(t, err)
	require.Panics(t, func() {
		_ = CallOnce(backend, func(x *Node) *Node { return bank.Analysis(x) }, sineSignal(1, 2, 15, 0.1))
	})
	require.Panics(t, func() {
		_ = CallOnce(backend, func(x *Node) *Node { return bank.Synthesis(x) }, sineSignal(1, 3, 16, 0.1))
	})
	_, err = New(0, DefaultAttenuation)
	require.Error(t, err)
}
