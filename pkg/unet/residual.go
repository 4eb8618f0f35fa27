// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// ResidualUnit is a convolutional residual block for signals shaped `[batch_size, channels, length]`.
//
// The main path is conv(kernelSize) → ReLU → conv(kernelSize) → ReLU, where the last ReLU is omitted if isLast is
// set, to allow a linear output. The shortcut is the identity if the number of input channels equals outChannels,
// or a 1x1 convolution without bias otherwise. It returns main(x)+shortcut(x), shaped
// `[batch_size, outChannels, length]`.
//
// The kernel size must be odd, the padding is (kernelSize-1)/2 so the length is preserved.
func ResidualUnit(ctx *context.Context, x *Node, midChannels, outChannels, kernelSize int, isLast bool) *Node {
	if x.Rank() != 3 {
		exceptions.Panicf("ResidualUnit: x must be shaped [batch_size, channels, length], got %s", x.Shape())
	}
	if kernelSize%2 == 0 {
		exceptions.Panicf("ResidualUnit: kernel size must be odd, got %d", kernelSize)
	}
	inChannels := x.Shape().Dimensions[1]

	shortcut := x
	if inChannels != outChannels {
		shortcut = layers.Convolution(ctx.In("shortcut"), x).
			ChannelsAxis(images.ChannelsFirst).
			Channels(outChannels).KernelSize(1).UseBias(false).Done()
	}

	main := layers.Convolution(ctx.In("conv_0"), x).
		ChannelsAxis(images.ChannelsFirst).
		Channels(midChannels).KernelSize(kernelSize).PadSame().Done()
	main = activations.Relu(main)
	main = layers.Convolution(ctx.In("conv_1"), main).
		ChannelsAxis(images.ChannelsFirst).
		Channels(outChannels).KernelSize(kernelSize).PadSame().Done()
	if !isLast {
		main = activations.Relu(main)
	}
	return Add(main, shortcut)
}
