// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
)

// Downsample halves the length of x, shaped `[batch_size, channels, length]`, by averaging pairs of samples.
func Downsample(x *Node) *Node {
	return MeanPool(x).ChannelsAxis(images.ChannelsFirst).Window(2).NoPadding().Done()
}

// Upsample doubles the length of x, shaped `[batch_size, channels, length]`, with linear interpolation where
// the output samples are centered on the input samples (not corner aligned), and the edge values are replicated.
//
// Output sample 2j is 0.75*x[j] + 0.25*x[j-1] and output sample 2j+1 is 0.75*x[j] + 0.25*x[j+1].
func Upsample(x *Node) *Node {
	length := x.Shape().Dimensions[2]
	if length <= maxShortUpsampleLength {
		return upsampleShort(x)
	}
	return Interpolate(x, NoInterpolation, NoInterpolation, 2*length).
		Bilinear().HalfPixelCenters(true).AlignCorner(false).
		Done()
}

// maxShortUpsampleLength is the largest length for which Interpolate's Bilinear gradient fails.
const maxShortUpsampleLength = 3

// upsampleShort is Upsample built from slices, for the short lengths Interpolate can't differentiate.
func upsampleShort(x *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, channels, length := dims[0], dims[1], dims[2]
	if length == 1 {
		return Concatenate([]*Node{x, x}, -1)
	}
	first := Slice(x, AxisRange(), AxisRange(), AxisElem(0))
	last := Slice(x, AxisRange(), AxisRange(), AxisElem(length-1))
	previous := Concatenate([]*Node{first, Slice(x, AxisRange(), AxisRange(), AxisRange(0, length-1))}, -1)
	next := Concatenate([]*Node{Slice(x, AxisRange(), AxisRange(), AxisRange(1, length)), last}, -1)

	center := MulScalar(x, 0.75)
	even := Add(center, MulScalar(previous, 0.25))
	odd := Add(center, MulScalar(next, 0.25))
	return Reshape(Stack([]*Node{even, odd}, -1), batchSize, channels, 2*length)
}
