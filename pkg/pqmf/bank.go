// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pqmf implements a pseudo quadrature mirror filter bank (PQMF): it splits a signal into M
// critically sampled sub-bands and reconstructs it (near perfectly) from them.
//
// The bank is designed once, on the host, with New. Analysis and Synthesis are graph operations, with the filters
// embedded as constants.
package pqmf

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// DefaultAttenuation is the default stop band attenuation of the prototype filter, in dB.
const DefaultAttenuation = 100.0

// Bank is a PQMF bank of M bands. It is immutable and safe for concurrent use.
type Bank struct {
	bands       int
	attenuation float64
	cutoff      float64
	prototype   []float64
	filters     [][]float64
}

// New designs a bank with the given number of bands and prototype attenuation in dB.
// A bank of 1 band is the identity.
func New(bands int, attenuation float64) (*Bank, error) {
	b := &Bank{bands: bands, attenuation: attenuation}
	if bands == 1 {
		return b, nil
	}
	var err error
	b.prototype, b.cutoff, err = DesignPrototype(bands, attenuation)
	if err != nil {
		return nil, err
	}
	b.filters = CosineModulate(b.prototype, bands)
	return b, nil
}

// Bands returns the number of sub-bands M.
func (b *Bank) Bands() int { return b.bands }

// FilterLength returns the number of taps of the band filters, 0 for the identity bank.
func (b *Bank) FilterLength() int { return len(b.prototype) }

// Prototype returns a copy of the lowpass prototype filter.
func (b *Bank) Prototype() []float64 { return append([]float64(nil), b.prototype...) }

// String implements fmt.Stringer.
func (b *Bank) String() string {
	return fmt.Sprintf("PQMF{bands=%d, attenuation=%gdB, taps=%d, cutoff=%.5f}",
		b.bands, b.attenuation, len(b.prototype), b.cutoff)
}

// kernel returns the filters as a convolution kernel for channels-last 1D convolutions.
// For analysis it is shaped [taps, 1, bands] and for synthesis [taps, bands, 1], with the filters reversed and
// scaled by the number of bands.
func (b *Bank) kernel(g *Graph, synthesis bool) *Node {
	taps := len(b.prototype)
	data := make([]float64, taps*b.bands)
	for k, filter := range b.filters {
		for ii := range taps {
			// Both layouts are [taps, bands] in memory, since the other axis has dimension 1.
			if synthesis {
				data[ii*b.bands+k] = float64(b.bands) * filter[taps-1-ii]
			} else {
				data[ii*b.bands+k] = filter[ii]
			}
		}
	}
	if synthesis {
		return ConstTensor(g, tensors.FromFlatDataAndDimensions(data, taps, b.bands, 1))
	}
	return ConstTensor(g, tensors.FromFlatDataAndDimensions(data, taps, 1, b.bands))
}

// Analysis splits x, shaped `[batch_size, channels, length]`, into its sub-bands, shaped
// `[batch_size, channels*bands, length/bands]`. Band k of channel c is at position c*bands+k.
//
// The length must be divisible by the number of bands.
func (b *Bank) Analysis(x *Node) *Node {
	batchSize, channels, length := b.checkShape(x, 1)
	if b.bands == 1 {
		return x
	}
	if length%b.bands != 0 {
		exceptions.Panicf("pqmf.Analysis: length %d is not divisible by the number of bands %d", length, b.bands)
	}
	half := len(b.prototype) / 2
	mono := Reshape(x, batchSize*channels, length, 1)
	kernel := ConvertDType(b.kernel(x.Graph(), false), x.DType())
	bands := Convolve(mono, kernel).
		Strides(b.bands).
		PaddingPerDim([][2]int{{half, half}}).
		Done()
	// [batch*channels, length/bands, bands] -> [batch, channels*bands, length/bands]
	bands = TransposeAllAxes(bands, 0, 2, 1)
	return Reshape(bands, batchSize, channels*b.bands, length/b.bands)
}

// Synthesis reconstructs the signal, shaped `[batch_size, channels, length*bands]`, from its sub-bands,
// shaped `[batch_size, channels*bands, length]` as returned by Analysis.
func (b *Bank) Synthesis(x *Node) *Node {
	batchSize, channelBands, length := b.checkShape(x, b.bands)
	if b.bands == 1 {
		return x
	}
	channels := channelBands / b.bands
	half := len(b.prototype) / 2

	// Zero insertion: [batch*channels, length, 1, bands] + zeros [.., bands-1, bands] -> [batch*channels, length*bands, bands].
	bands := Reshape(x, batchSize*channels, b.bands, length)
	bands = TransposeAllAxes(bands, 0, 2, 1)
	bands = InsertAxes(bands, 2)
	zeros := Zeros(x.Graph(), shapes.Make(x.DType(), batchSize*channels, length, b.bands-1, b.bands))
	bands = Concatenate([]*Node{bands, zeros}, 2)
	bands = Reshape(bands, batchSize*channels, length*b.bands, b.bands)

	kernel := ConvertDType(b.kernel(x.Graph(), true), x.DType())
	output := Convolve(bands, kernel).
		Strides(1).
		PaddingPerDim([][2]int{{half, half}}).
		Done()
	return Reshape(output, batchSize, channels, length*b.bands)
}

// checkShape panics if x is not rank 3, or if its channel dimension is not divisible by channelsMultiple.
func (b *Bank) checkShape(x *Node, channelsMultiple int) (batchSize, channels, length int) {
	if x.Rank() != 3 {
		exceptions.Panicf("pqmf: input must be shaped [batch_size, channels, length], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batchSize, channels, length = dims[0], dims[1], dims[2]
	if channels%channelsMultiple != 0 {
		exceptions.Panicf("pqmf: %d channels is not a multiple of the number of bands %d", channels, channelsMultiple)
	}
	return
}
