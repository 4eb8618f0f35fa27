// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vdiffusion

import (
	"math"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Denoiser predicts the velocity v for a noisy signal, shaped `[batch_size, channels, length]`, at the
// diffusion times timestep, shaped `[batch_size]`.
//
// unet.Predictor implements it.
type Denoiser interface {
	Predict(signal, timestep *tensors.Tensor) (*tensors.Tensor, error)
}

// Sampler generates signals from noise by running the reverse diffusion process (DDIM) with a Denoiser
// trained with the v objective.
//
// The per step update runs as a compiled graph, and the fresh noise used when eta > 0 comes from the sampler's
// own random number generator, so sampling with the same seed and the same model is deterministic.
type Sampler struct {
	backend     backends.Backend
	ctx         *context.Context
	progressBar bool

	mu       sync.Mutex
	stepExec *context.Exec
}

// Indices of the coefficients passed to the step graph.
const (
	coefAlpha = iota
	coefSigma
	coefNextAlpha
	coefAdjustedSigma
	coefDDIMSigma
	numCoefs
)

// NewSampler creates a Sampler executing on backend, with its random number generator seeded with seed.
func NewSampler(backend backends.Backend, seed int64) *Sampler {
	ctx := context.New()
	ctx.RngStateFromSeed(seed)
	return &Sampler{backend: backend, ctx: ctx}
}

// WithProgressBar enables a progress bar on the terminal while sampling.
func (s *Sampler) WithProgressBar(enabled bool) *Sampler {
	s.progressBar = enabled
	return s
}

// Sample runs steps of the reverse diffusion process starting from noise, shaped `[batch_size, channels, length]`,
// and returns the predicted clean signal.
//
// eta controls the amount of fresh noise added at each step: 0 is the deterministic DDIM sampler, and 1 matches
// the variance of the ancestral (DDPM) sampler.
func (s *Sampler) Sample(model Denoiser, noise *tensors.Tensor, steps int, eta float64) (*tensors.Tensor, error) {
	if steps <= 0 {
		return nil, errors.Errorf("vdiffusion: number of sampling steps must be > 0, got %d", steps)
	}
	if eta < 0 || math.IsNaN(eta) {
		return nil, errors.Errorf("vdiffusion: eta must be >= 0, got %g", eta)
	}
	if noise.Shape().Rank() != 3 {
		return nil, errors.Errorf("vdiffusion: noise must be shaped [batch_size, channels, length], got %s", noise.Shape())
	}
	dtype := noise.DType()
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		return nil, errors.Errorf("vdiffusion: noise must be float32 or float64, got %s", dtype)
	}
	stepExec, err := s.getStepExec()
	if err != nil {
		return nil, err
	}

	var bar *progressbar.ProgressBar
	if s.progressBar {
		bar = progressbar.NewOptions(steps,
			progressbar.OptionSetDescription("sampling"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.ThemeASCII))
		defer func() { _ = bar.Finish() }()
	}

	batchSize := noise.Shape().Dimensions[0]
	ts := Timesteps(steps)
	x := noise
	var pred *tensors.Tensor
	for ii, t := range ts {
		v, err := model.Predict(x, timestepTensor(dtype, t, batchSize))
		if err != nil {
			return nil, errors.WithMessagef(err, "vdiffusion: model failed at step %d/%d (t=%g)", ii, steps, t)
		}
		if !v.Shape().Equal(x.Shape()) {
			return nil, errors.Errorf("vdiffusion: model returned shape %s for an input shaped %s", v.Shape(), x.Shape())
		}
		coefs := stepCoefficients(ts, ii, eta)
		var next *tensors.Tensor
		err = exceptions.TryCatch[error](func() {
			var execErr error
			pred, next, execErr = stepExec.Exec2(x, v, coefs)
			if execErr != nil {
				panic(execErr)
			}
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "vdiffusion: update failed at step %d/%d", ii, steps)
		}
		x = next
		if bar != nil {
			_ = bar.Add(1)
		}
		if klog.V(2).Enabled() {
			klog.Infof("vdiffusion: step %d/%d, t=%.4f, coefficients=%v", ii+1, steps, t, coefs)
		}
	}
	return pred, nil
}

// stepCoefficients returns the coefficients for step ii of the schedule ts. The last step only predicts the
// clean signal, so its update coefficients are zero.
func stepCoefficients(ts []float64, ii int, eta float64) []float64 {
	coefs := make([]float64, numCoefs)
	coefs[coefAlpha], coefs[coefSigma] = ScheduleValues(ts[ii])
	if ii >= len(ts)-1 {
		return coefs
	}
	alpha, sigma := coefs[coefAlpha], coefs[coefSigma]
	nextAlpha, nextSigma := ScheduleValues(ts[ii+1])
	ddimSigma := eta * math.Sqrt(nextSigma*nextSigma/(sigma*sigma)) * math.Sqrt(1-alpha*alpha/(nextAlpha*nextAlpha))
	coefs[coefNextAlpha] = nextAlpha
	coefs[coefAdjustedSigma] = math.Sqrt(max(0, nextSigma*nextSigma-ddimSigma*ddimSigma))
	coefs[coefDDIMSigma] = ddimSigma
	return coefs
}

func timestepTensor(dtype dtypes.DType, t float64, batchSize int) *tensors.Tensor {
	if dtype == dtypes.Float64 {
		return tensors.FromScalarAndDimensions(t, batchSize)
	}
	return tensors.FromScalarAndDimensions(float32(t), batchSize)
}

func (s *Sampler) getStepExec() (*context.Exec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stepExec != nil {
		return s.stepExec, nil
	}
	exec, err := context.NewExec(s.backend, s.ctx, StepGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "vdiffusion: failed to create the sampler step executor")
	}
	s.stepExec = exec
	return exec, nil
}

// StepGraph computes one reverse diffusion step, given the noisy signal x, the predicted velocity v and the
// step coefficients (see stepCoefficients), shaped `[5]`.
//
// It returns the predicted clean signal and the noisy signal for the next step.
func StepGraph(ctx *context.Context, x, v, coefs *Node) (pred, next *Node) {
	coef := func(ii int) *Node {
		return ConvertDType(Reshape(Slice(coefs, AxisElem(ii))), x.DType())
	}
	alpha, sigma := coef(coefAlpha), coef(coefSigma)
	pred = Sub(Mul(x, alpha), Mul(v, sigma))
	eps := Add(Mul(x, sigma), Mul(v, alpha))
	next = Add(Mul(pred, coef(coefNextAlpha)), Mul(eps, coef(coefAdjustedSigma)))
	next = Add(next, Mul(ctx.RandomNormal(x.Graph(), x.Shape()), coef(coefDDIMSigma)))
	return
}
