// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vdiffusion implements the cosine noise schedule and the "v" objective used to train and sample from
// the audio diffusion model.
//
// A clean signal x is noised at diffusion time t ∈ [0, 1] as `x·α(t) + ε·σ(t)`, with `α(t)=cos(t·π/2)` and
// `σ(t)=sin(t·π/2)`. The model is trained to predict the velocity `v = ε·α - x·σ`, from which both the clean
// signal and the noise can be recovered.
package vdiffusion

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Schedule returns the signal (alpha) and noise (sigma) ratios for the diffusion times t.
// Notice alpha²+sigma²=1.
func Schedule(t *Node) (alpha, sigma *Node) {
	angles := MulScalar(t, math.Pi/2)
	return Cos(angles), Sin(angles)
}

// ScheduleValues is the host version of Schedule.
func ScheduleValues(t float64) (alpha, sigma float64) {
	return math.Cos(t * math.Pi / 2), math.Sin(t * math.Pi / 2)
}

// broadcastTime reshapes t, shaped `[batch_size]`, so it broadcasts against x, shaped `[batch_size, ...]`.
func broadcastTime(t, x *Node) *Node {
	if t.Rank() != 1 || t.Shape().Dimensions[0] != x.Shape().Dimensions[0] {
		exceptions.Panicf("vdiffusion: diffusion times must be shaped [batch_size=%d], got %s",
			x.Shape().Dimensions[0], t.Shape())
	}
	dims := make([]int, x.Rank())
	for ii := range dims {
		dims[ii] = 1
	}
	dims[0] = x.Shape().Dimensions[0]
	return Reshape(ConvertDType(t, x.DType()), dims...)
}

// Noise mixes the clean signal x with noise at the diffusion times t, shaped `[batch_size]`.
func Noise(x, noise, t *Node) *Node {
	alpha, sigma := Schedule(broadcastTime(t, x))
	return Add(Mul(x, alpha), Mul(noise, sigma))
}

// VelocityTarget is the value the model is trained to predict for the clean signal x noised with noise at
// diffusion times t.
func VelocityTarget(x, noise, t *Node) *Node {
	alpha, sigma := Schedule(broadcastTime(t, x))
	return Sub(Mul(noise, alpha), Mul(x, sigma))
}

// Timesteps returns the `steps` decreasing diffusion times used by the sampler: linspace(1, 0, steps+1)
// without the final 0.
func Timesteps(steps int) []float64 {
	ts := make([]float64, steps)
	for ii := range ts {
		ts[ii] = 1 - float64(ii)/float64(steps)
	}
	return ts
}
