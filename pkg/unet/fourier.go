// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// FourierScope is the scope of the timestep embedding variables.
const FourierScope = "timestep_embed"

// FourierFeatures embeds a continuous timestep, shaped `[batch_size]`, into `[batch_size, width]` periodic features:
// the first half are the cosines and the second half the sines of `2π·t·ω`, for `width/2` learned frequencies ω.
//
// The frequencies are stored in the variable "weights" shaped `[width/2, 1]`, initialized with a normal
// distribution with standard deviation stddev, using the context random number generator.
// Width must be even.
func FourierFeatures(ctx *context.Context, t *Node, width int, stddev float64) *Node {
	if width <= 0 || width%2 != 0 {
		exceptions.Panicf("FourierFeatures: width must be even and > 0, got %d", width)
	}
	if t.Rank() != 1 {
		exceptions.Panicf("FourierFeatures: timestep must be shaped [batch_size], got %s", t.Shape())
	}
	g := t.Graph()
	dtype := t.DType()
	half := width / 2
	weightsVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, stddev)).
		VariableWithShape("weights", shapes.Make(dtype, half, 1))
	weights := weightsVar.ValueGraph(g)

	// f = 2π · t[:, None] @ weightsᵀ, shaped [batch_size, half].
	f := MulScalar(Einsum("bi,fi->bf", InsertAxes(t, -1), weights), 2*math.Pi)
	return Concatenate([]*Node{Cos(f), Sin(f)}, -1)
}

// expandToLength broadcasts features shaped `[batch_size, channels]` to `[batch_size, channels, length]`.
func expandToLength(features *Node, length int) *Node {
	dims := features.Shape().Dimensions
	return BroadcastToDims(InsertAxes(features, -1), dims[0], dims[1], length)
}
