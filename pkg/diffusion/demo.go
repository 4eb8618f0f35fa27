// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/audiodiffusion/pkg/audio"
	"github.com/gomlx/audiodiffusion/pkg/dataset"
	"github.com/gomlx/audiodiffusion/pkg/unet"
	"github.com/gomlx/audiodiffusion/pkg/vdiffusion"
)

// DemoFilePattern is the name of the demo files, with the global step and the sample index.
const DemoFilePattern = "demo_%08d_%02d.wav"

// DemoGenerator samples audio clips from the model during training, to monitor its progress.
//
// It uses the exponential moving average of the weights (see UpdateEMAGraph) if "diffusion_ema" > 0, and
// the trained weights otherwise.
type DemoGenerator struct {
	config     *Config
	dir        string
	numSamples int
	steps      int
	eta        float64
	seed       int64

	predictor *unet.Predictor

	mu       sync.Mutex
	postExec *Exec
}

// NewDemoGenerator creates a DemoGenerator that writes the demos in dir, configured by the hyperparameters
// "demo_num_samples", "demo_steps", "demo_eta" and "seed".
func NewDemoGenerator(config *Config, dir string) *DemoGenerator {
	ctx := config.Context
	modelCtx := ctx
	if context.GetParamOr(ctx, "diffusion_ema", 0.0) > 0 {
		modelCtx = ctx.In(EMAScope)
	}
	return &DemoGenerator{
		config:     config,
		dir:        dir,
		numSamples: context.GetParamOr(ctx, "demo_num_samples", 4),
		steps:      context.GetParamOr(ctx, "demo_steps", 500),
		eta:        context.GetParamOr(ctx, "demo_eta", 1.0),
		seed:       int64(context.GetParamOr(ctx, "seed", 0)),
		predictor:  unet.NewPredictor(config.Backend, modelCtx, config.Network),
	}
}

// NoiseShape is the shape of the noise fed to the sampler: the shape of numSamples clips after the
// sub-band split.
func (d *DemoGenerator) NoiseShape() shapes.Shape {
	c := d.config
	bands := c.Bank.Bands()
	return shapes.Make(c.DType, d.numSamples, dataset.NumChannels*bands, c.SampleSize/bands)
}

// Generate samples the demos for the given global step and writes them as WAV files. It returns the paths of
// the files written.
//
// The noise and the sampler are seeded with the step, so the demos of a step are reproducible.
func (d *DemoGenerator) Generate(step int) ([]string, error) {
	c := d.config
	seed := d.seed + int64(step)
	noiseCtx := context.New()
	noiseCtx.RngStateFromSeed(seed)
	noiseShape := d.NoiseShape()
	noise, err := context.ExecOnce(c.Backend, noiseCtx, func(ctx *context.Context, g *Graph) *Node {
		return ctx.RandomNormal(g, noiseShape)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "diffusion: failed to generate demo noise")
	}

	sampler := vdiffusion.NewSampler(c.Backend, seed+1).WithProgressBar(klog.V(1).Enabled())
	sampled, err := sampler.Sample(d.predictor, noise, d.steps, d.eta)
	if err != nil {
		return nil, errors.WithMessagef(err, "diffusion: failed to sample demos at step %d", step)
	}
	clips, err := d.toClips(sampled)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(clips))
	for ii, clip := range clips {
		path := filepath.Join(d.dir, fmt.Sprintf(DemoFilePattern, step, ii))
		if err := audio.WriteWAV(path, clip, audio.DefaultBitDepth); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	klog.V(1).Infof("demos for step %d saved to %s", step, d.dir)
	return paths, nil
}

// toClips converts the sampled sub-bands back to stereo clips.
func (d *DemoGenerator) toClips(sampled *tensors.Tensor) (clips []*audio.Clip, err error) {
	c := d.config
	exec, err := d.getPostExec()
	if err != nil {
		return nil, err
	}
	var signal *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		signal = exec.Call(sampled)[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "diffusion: failed to convert demo sub-bands")
	}
	flat := tensors.MustCopyFlatData[float32](signal)
	dims := signal.Shape().Dimensions
	numSamples, numChannels, length := dims[0], dims[1], dims[2]
	clips = make([]*audio.Clip, numSamples)
	for ii := range clips {
		clip := audio.NewClip(c.SampleRate, numChannels, length)
		for ch := range numChannels {
			start := (ii*numChannels + ch) * length
			copy(clip.Channels[ch], flat[start:start+length])
		}
		clips[ii] = clip
	}
	return clips, nil
}

func (d *DemoGenerator) getPostExec() (exec *Exec, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.postExec != nil {
		return d.postExec, nil
	}
	d.postExec, err = NewExecOrError(d.config.Backend, func(x *Node) *Node {
		x = d.config.PostprocessGraph(x)
		return ClipScalar(ConvertDType(x, dtypes.Float32), -1, 1)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "diffusion: failed to create the demo post-processing")
	}
	return d.postExec, nil
}
