// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package unet implements the denoising network of the audio diffusion model: a residual 1-D U-Net with
// self-attention at the coarse levels and a Fourier timestep embedding.
//
// The network is described by a Config and built once with New, which validates the configuration and resolves
// the levels (see Level) before any weights are created. The graph is built with Network.Predict, and the
// weights live in a GoMLX context, under the scope ModelScope.
//
// Signals are shaped `[batch_size, channels, length]` and timesteps `[batch_size]`.
package unet

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/pkg/errors"
)

// ModelScope is the context scope where the network variables are created.
const ModelScope = "u-net"

// Network is the denoising U-Net. It is immutable after New, and it holds no weights itself: those are
// stored in the context given to Predict.
type Network struct {
	config *Config
	levels []Level
}

// New validates the configuration, resolves the levels and returns the Network.
//
// It fails, without allocating any weights, if the configuration is inconsistent: the depth doesn't match
// the number of widths, the embedding width is odd, attention heads don't divide a level width, etc.
func New(config *Config) (*Network, error) {
	if config == nil {
		return nil, errors.New("unet: nil configuration")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.Clone()
	levels, err := buildPlan(config)
	if err != nil {
		return nil, err
	}
	return &Network{config: config, levels: levels}, nil
}

// Config returns a copy of the network configuration.
func (n *Network) Config() *Config { return n.config.Clone() }

// Levels returns a copy of the resolved levels, ordered from the base level (index 1) to the coarsest.
func (n *Network) Levels() []Level {
	return append([]Level(nil), n.levels...)
}

// NumDownsamplings is the number of times the signal is halved on the way to the coarsest level.
func (n *Network) NumDownsamplings() int { return n.config.Depth - 1 }

// LengthMultiple is the number the signal length must be divisible by: 2^(depth-1).
func (n *Network) LengthMultiple() int { return 1 << n.NumDownsamplings() }

// CheckShapes verifies that signal and timestep shapes fulfill the network contract: signal shaped
// `[batch_size, io_channels, length]` with length divisible by LengthMultiple, and timestep shaped `[batch_size]`.
func (n *Network) CheckShapes(signal, timestep shapes.Shape) error {
	if signal.Rank() != 3 {
		return errors.Errorf("unet: signal must be shaped [batch_size, channels, length], got %s", signal)
	}
	if !signal.DType.IsFloat() {
		return errors.Errorf("unet: signal must be a float, got %s", signal)
	}
	batchSize, channels, length := signal.Dimensions[0], signal.Dimensions[1], signal.Dimensions[2]
	if channels != n.config.IOChannels {
		return errors.Errorf("unet: signal has %d channels, the network was configured for %d", channels, n.config.IOChannels)
	}
	if length <= 0 || length%n.LengthMultiple() != 0 {
		return errors.Errorf("unet: signal length %d must be a positive multiple of 2^%d=%d",
			length, n.NumDownsamplings(), n.LengthMultiple())
	}
	if timestep.Rank() != 1 || timestep.Dimensions[0] != batchSize {
		return errors.Errorf("unet: timestep must be shaped [batch_size=%d], got %s", batchSize, timestep)
	}
	if timestep.DType != signal.DType {
		return errors.Errorf("unet: timestep dtype %s differs from signal dtype %s", timestep.DType, signal.DType)
	}
	return nil
}

// Predict builds the network graph: it embeds the timestep, broadcasts it along the length, concatenates it to the
// signal channels, and runs the levels. It returns a tensor shaped like signal.
//
// Variables are created (or reused) in ctx under ModelScope.
//
// It panics if the shapes don't fulfill the contract described in CheckShapes.
func (n *Network) Predict(ctx *context.Context, signal, timestep *Node) *Node {
	if err := n.CheckShapes(signal.Shape(), timestep.Shape()); err != nil {
		panic(err)
	}
	ctx = ctx.In(ModelScope).WithInitializer(initializers.XavierNormalFn(ctx))
	length := signal.Shape().Dimensions[2]
	embed := FourierFeatures(ctx.In(FourierScope), timestep, n.config.EmbedWidth, n.config.EmbedStdDev)
	x := Concatenate([]*Node{signal, expandToLength(embed, length)}, 1)
	return n.apply(ctx, x, nil)
}

// CountParameters builds the network graph, without executing it, on a scratch context to count the number of
// parameters and the memory used by the weights in the given dtype.
func (n *Network) CountParameters(backend backends.Backend, dtype dtypes.DType) (numParams int, memory uintptr, err error) {
	ctx := context.New()
	err = exceptions.TryCatch[error](func() {
		g := NewGraph(backend, "unet_parameters")
		defer g.Finalize()
		signal := Parameter(g, "signal", shapes.Make(dtype, 1, n.config.IOChannels, n.LengthMultiple()))
		timestep := Parameter(g, "timestep", shapes.Make(dtype, 1))
		n.Predict(ctx, signal, timestep)
	})
	if err != nil {
		return 0, 0, errors.WithMessage(err, "unet: failed to build the network graph")
	}
	ctx.In(ModelScope).EnumerateVariablesInScope(func(v *context.Variable) {
		numParams += v.Shape().Size()
		memory += v.Shape().Memory()
	})
	return numParams, memory, nil
}

// levelVisitor is called for every level, once its output is computed, with the level's input (its
// pre-recursion activation, concatenated into the output by the skip connection) and output.
type levelVisitor func(level Level, input, output *Node)

// apply runs the levels on x iteratively: a descending pass from the base to the coarsest level pushes the
// input of each level in a stack, and the ascending pass pops them for the skip concatenations.
func (n *Network) apply(ctx *context.Context, x *Node, visit levelVisitor) *Node {
	skips := make([]*Node, 0, len(n.levels))
	for _, level := range n.levels {
		skips = append(skips, x)
		x = n.descend(levelCtx(ctx, level), level, x)
	}
	for pos := len(n.levels) - 1; pos >= 0; pos-- {
		level := n.levels[pos]
		input := skips[pos]
		skips = skips[:pos]
		x = n.ascend(levelCtx(ctx, level), level, x)
		if !level.IsBase() {
			x = Concatenate([]*Node{x, input}, 1)
		}
		if visit != nil {
			visit(level, input, x)
		}
	}
	if len(skips) != 0 {
		exceptions.Panicf("unet: ended with %d skip connections not accounted for", len(skips))
	}
	return x
}

// levelCtx returns the scope for the level variables.
func levelCtx(ctx *context.Context, level Level) *context.Context {
	return ctx.In(fmt.Sprintf("level_%02d", level.Index))
}

// unitsCtx returns a function that scopes each unit with an increasing counter, for a stable ordering
// of the variables.
func unitsCtx(ctx *context.Context) func(name string) *context.Context {
	unitNum := 0
	return func(name string) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-%s", unitNum, name)
		unitNum++
		return
	}
}

// descend runs the level's units before its inner level.
func (n *Network) descend(ctx *context.Context, level Level, x *Node) *Node {
	kernel := n.config.KernelSize
	nextCtx := unitsCtx(ctx.In("down"))
	x.AssertDims(x.Shape().Dimensions[0], level.InputWidth, x.Shape().Dimensions[2])
	if !level.IsBase() {
		x = Downsample(x)
	}
	for range 3 {
		x = ResidualUnit(nextCtx("residual"), x, level.Width, level.Width, kernel, false)
		if level.Kind == AttentionStage {
			x = AttentionUnit(nextCtx("attention"), x, level.Heads)
		}
	}
	return x
}

// ascend runs the level's units after its inner level. The skip concatenation is done by the caller.
func (n *Network) ascend(ctx *context.Context, level Level, x *Node) *Node {
	kernel := n.config.KernelSize
	nextCtx := unitsCtx(ctx.In("up"))
	x.AssertDims(x.Shape().Dimensions[0], level.InnerOutputWidth, x.Shape().Dimensions[2])
	outWidth, outHeads := level.PrevWidth, level.PrevHeads
	if level.IsBase() {
		outWidth = level.OutputWidth
	}
	for ii := range 3 {
		unitOut, unitHeads := level.Width, level.Heads
		if ii == 2 {
			unitOut, unitHeads = outWidth, outHeads
		}
		x = ResidualUnit(nextCtx("residual"), x, level.Width, unitOut, kernel, level.IsBase() && ii == 2)
		if level.Kind == AttentionStage {
			x = AttentionUnit(nextCtx("attention"), x, unitHeads)
		}
	}
	if !level.IsBase() {
		x = Upsample(x)
	}
	return x
}
