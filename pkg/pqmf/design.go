// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pqmf

import (
	"math"

	"github.com/cwbudde/algo-dsp/dsp/window"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// KaiserBeta returns the Kaiser window beta parameter for the given stop band attenuation in dB.
func KaiserBeta(attenuation float64) float64 {
	switch {
	case attenuation > 50:
		return 0.1102 * (attenuation - 8.7)
	case attenuation > 21:
		return 0.5842*math.Pow(attenuation-21, 0.4) + 0.07886*(attenuation-21)
	default:
		return 0
	}
}

// KaiserOrder returns the odd number of taps of a Kaiser windowed lowpass filter with the given attenuation
// (in dB) and cutoff (in radians, π is the Nyquist frequency), using the transition width equal to the cutoff.
func KaiserOrder(attenuation, cutoff float64) int {
	numTaps := int(math.Ceil((attenuation-7.95)/(2.285*cutoff))) + 1
	return 2*(numTaps/2) + 1
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

// LowpassPrototype returns the Kaiser windowed sinc lowpass filter with the given cutoff (in radians) and stop band
// attenuation (in dB). The filter is not normalized.
func LowpassPrototype(cutoff, attenuation float64) ([]float64, error) {
	numTaps := KaiserOrder(attenuation, cutoff)
	kaiser, err := window.Kaiser(numTaps, KaiserBeta(attenuation))
	if err != nil {
		return nil, errors.Wrapf(err, "pqmf: failed to create the Kaiser window of %d taps", numTaps)
	}
	center := float64(numTaps-1) / 2
	normalizedCutoff := cutoff / math.Pi
	h := make([]float64, numTaps)
	for n := range h {
		h[n] = normalizedCutoff * sinc(normalizedCutoff*(float64(n)-center))
	}
	floats.Mul(h, kaiser)
	return h, nil
}

// reconstructionLoss measures how far the prototype h is from being a 2·bands-th band (Nyquist) filter: the largest
// magnitude of its autocorrelation at the non-zero multiples of 2·bands.
func reconstructionLoss(h []float64, bands int) float64 {
	n := len(h)
	var worst float64
	for lag := 2 * bands; lag < n; lag += 2 * bands {
		worst = math.Max(worst, math.Abs(floats.Dot(h[:n-lag], h[lag:])))
	}
	return worst
}

// Number of points in the cutoff search grids.
const searchGridSize = 128

// DesignPrototype searches the cutoff frequency that makes the Kaiser windowed lowpass prototype closest to near
// perfect reconstruction for the given number of bands, and returns the prototype filter and its cutoff.
func DesignPrototype(bands int, attenuation float64) (h []float64, cutoff float64, err error) {
	if bands < 1 {
		return nil, 0, errors.Errorf("pqmf: number of bands must be >= 1, got %d", bands)
	}
	if attenuation <= 7.95 {
		return nil, 0, errors.Errorf("pqmf: attenuation must be > 7.95dB, got %g", attenuation)
	}
	// The ideal cutoff is π/(2·bands): search around it and refine around the best grid point.
	ideal := math.Pi / float64(2*bands)
	low, high := 0.5*ideal, 1.5*ideal
	for range 3 {
		grid := make([]float64, searchGridSize)
		floats.Span(grid, low, high)
		losses := make([]float64, searchGridSize)
		for ii, wc := range grid {
			h, err = LowpassPrototype(wc, attenuation)
			if err != nil {
				return nil, 0, err
			}
			losses[ii] = reconstructionLoss(h, bands)
		}
		best := floats.MinIdx(losses)
		cutoff = grid[best]
		step := grid[1] - grid[0]
		low, high = math.Max(cutoff-step, 1e-6), cutoff+step
	}
	h, err = LowpassPrototype(cutoff, attenuation)
	return h, cutoff, err
}

// CosineModulate returns the analysis filter of each band, built by cosine modulation of the prototype h:
//
//	h_k[n] = 2·h[n]·cos((2k+1)·π/(2M)·(n-(N-1)/2) + (-1)^k·π/4)
func CosineModulate(h []float64, bands int) [][]float64 {
	center := float64(len(h)-1) / 2
	filters := make([][]float64, bands)
	for k := range filters {
		phase := math.Pi / 4
		if k%2 == 1 {
			phase = -phase
		}
		frequency := float64(2*k+1) * math.Pi / float64(2*bands)
		filters[k] = make([]float64, len(h))
		for n := range h {
			filters[k][n] = 2 * h[n] * math.Cos(frequency*(float64(n)-center)+phase)
		}
	}
	return filters
}
