// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"

	"github.com/gomlx/audiodiffusion/pkg/audio"
	"github.com/gomlx/audiodiffusion/pkg/unet"
	"github.com/gomlx/audiodiffusion/pkg/vdiffusion"
)

// EMAScope is the scope, under the root, holding the exponential moving average of the U-Net weights.
const EMAScope = "ema"

// PreprocessGraph converts signal, shaped `[batch_size, 2, length]`, to the network input: dtype conversion,
// optional mid/side encoding and the sub-band split.
func (c *Config) PreprocessGraph(signal *Node) *Node {
	signal = ConvertDType(signal, c.DType)
	if c.MidSide {
		signal = audio.MidSideEncode(signal)
	}
	return c.Bank.Analysis(signal)
}

// PostprocessGraph reverts PreprocessGraph: sub-band synthesis and optional mid/side decoding.
func (c *Config) PostprocessGraph(x *Node) *Node {
	x = c.Bank.Synthesis(x)
	if c.MidSide {
		x = audio.MidSideDecode(x)
	}
	return x
}

// BuildTrainingModelGraph builds the model for training and evaluation.
//
// For each example it samples a time t ~ U[0, 1) and Gaussian noise, and the network predicts the velocity
// v = alpha*noise - sigma*x of the noisy signal. It returns the predicted velocity and the mean squared error
// to the target velocity.
func (c *Config) BuildTrainingModelGraph() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		signal := c.PreprocessGraph(inputs[0])
		batchSize := signal.Shape().Dimensions[0]

		t := ctx.RandomUniform(g, shapes.Make(c.DType, batchSize))
		noise := ctx.RandomNormal(g, signal.Shape())
		noisySignal := StopGradient(vdiffusion.Noise(signal, noise, t))
		targetVelocity := StopGradient(vdiffusion.VelocityTarget(signal, noise, t))

		predictedVelocity := c.Network.Predict(ctx, noisySignal, t)
		loss := losses.MeanSquaredError([]*Node{targetVelocity}, []*Node{predictedVelocity})
		if !loss.IsScalar() {
			loss = ReduceAllMean(loss)
		}

		emaCoef := context.GetParamOr(ctx, "diffusion_ema", 0.0)
		if ctx.IsTraining(g) && emaCoef > 0 {
			UpdateEMAGraph(ctx, g, emaCoef)
		}
		return []*Node{predictedVelocity, loss}
	}
}

// UpdateEMAGraph updates the exponential moving average of the U-Net weights, stored under EMAScope with the same
// relative scopes as the model weights.
//
// The averages start at zero, and the decay is warmed up as min(emaCoef, (1+n)/(10+n)), where n is the number of
// updates so far, so the early averages follow the weights closely.
func UpdateEMAGraph(ctx *context.Context, g *Graph, emaCoef float64) {
	prefixScope := ctx.Scope()
	emaCtx := ctx.In(EMAScope).WithInitializer(initializers.Zero).Checked(false)
	newPrefixScope := emaCtx.Scope()

	countVar := emaCtx.VariableWithValue("num_updates", 0.0).SetTrainable(false)
	count := countVar.ValueGraph(g)
	countVar.SetValueGraph(OnePlus(count))
	decay := MinScalar(Div(OnePlus(count), AddScalar(count, 10)), emaCoef)

	ctx.In(unet.ModelScope).EnumerateVariablesInScope(func(v *context.Variable) {
		if !strings.HasPrefix(v.Scope(), prefixScope) {
			exceptions.Panicf("unexpected variable %q in scope %q", v.Name(), v.Scope())
		}
		suffix := v.Scope()[len(prefixScope):]
		if !strings.HasPrefix(suffix, context.ScopeSeparator) {
			suffix = context.ScopeSeparator + suffix
		}
		emaScope := newPrefixScope + suffix
		emaVar := emaCtx.InAbsPath(emaScope).VariableWithShape(v.Name(), v.Shape()).SetTrainable(false)
		value := v.ValueGraph(g)
		vDecay := ConvertDType(decay, value.DType())
		emaVar.SetValueGraph(Add(
			Mul(emaVar.ValueGraph(g), vDecay),
			Mul(value, OneMinus(vDecay))))
	})
}
