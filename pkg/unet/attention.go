// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// GroupNormEpsilon is added to the variance in SingleGroupNorm.
const GroupNormEpsilon = 1e-5

// SingleGroupNorm normalizes x, shaped `[batch_size, channels, length]`, over its channels and length axes
// (group normalization with one group), and then applies a learned per-channel "gain" and "offset".
func SingleGroupNorm(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	dtype := x.DType()
	channels := x.Shape().Dimensions[1]
	ctx = ctx.In("group_norm")

	mean := ReduceAndKeep(x, ReduceMean, 1, 2)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, 1, 2)
	normalized := Div(centered, Sqrt(AddScalar(variance, GroupNormEpsilon)))

	gain := ctx.WithInitializer(initializers.One).VariableWithShape("gain", shapes.Make(dtype, channels)).ValueGraph(g)
	offset := ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", shapes.Make(dtype, channels)).ValueGraph(g)
	gain = Reshape(gain, 1, channels, 1)
	offset = Reshape(offset, 1, channels, 1)
	return Add(Mul(normalized, gain), offset)
}

// AttentionUnit is multi-head self-attention over the length axis of x, shaped `[batch_size, channels, length]`,
// added as a residual to x.
//
// The input is normalized (SingleGroupNorm) and projected by a 1x1 convolution into queries, keys and values.
// Queries and keys are each scaled by headDim^-0.25 before the dot product, with headDim = channels/numHeads.
// The attention output is projected by another 1x1 convolution and added to the un-normalized x.
//
// There is no positional encoding: the operation is equivariant to permutations of the positions.
//
// The number of channels must be divisible by numHeads.
func AttentionUnit(ctx *context.Context, x *Node, numHeads int) *Node {
	if x.Rank() != 3 {
		exceptions.Panicf("AttentionUnit: x must be shaped [batch_size, channels, length], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batchSize, channels, length := dims[0], dims[1], dims[2]
	if err := checkHeads(channels, numHeads); err != nil {
		panic(err)
	}
	headDim := channels / numHeads

	qkv := layers.Convolution(ctx.In("qkv_projection"), SingleGroupNorm(ctx, x)).
		ChannelsAxis(images.ChannelsFirst).
		Channels(3 * channels).KernelSize(1).Done()

	// [batch, 3*heads, headDim, length] -> [batch, 3*heads, length, headDim]: the first `heads` groups are the
	// queries, followed by keys and then values.
	qkv = Reshape(qkv, batchSize, 3*numHeads, headDim, length)
	qkv = TransposeAllAxes(qkv, 0, 1, 3, 2)
	parts := Split(qkv, 1, 3)
	scale := math.Pow(float64(headDim), -0.25)
	query := MulScalar(parts[0], scale)
	key := MulScalar(parts[1], scale)
	value := parts[2]

	// Attention weights shaped [batch, heads, queryLength, keyLength], normalized over the keys.
	weights := Einsum("bhqd,bhkd->bhqk", query, key)
	weights = Softmax(weights, -1)
	y := Einsum("bhqk,bhkd->bhqd", weights, value)

	// Back to [batch, channels, length], channel = head*headDim + d.
	y = TransposeAllAxes(y, 0, 1, 3, 2)
	y = Reshape(y, batchSize, channels, length)
	y = layers.Convolution(ctx.In("out_projection"), y).
		ChannelsAxis(images.ChannelsFirst).
		Channels(channels).KernelSize(1).Done()
	return Add(x, y)
}
