// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package diffusion trains the audio diffusion model: it wires the dataset, the PQMF sub-band split, the
// v-objective and the U-Net into a GoMLX training loop, with checkpoints and periodic demo generation.
//
// All configuration is taken from the context hyperparameters, see CreateDefaultContext.
package diffusion

import (
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/audiodiffusion/pkg/audio"
	"github.com/gomlx/audiodiffusion/pkg/dataset"
	"github.com/gomlx/audiodiffusion/pkg/pqmf"
	"github.com/gomlx/audiodiffusion/pkg/unet"
)

// Config holds the configuration of the training harness. See NewConfig.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Usually, at the root scope.

	// TrainingDirs are scanned recursively for WAV files.
	TrainingDirs []string

	// ParamsSet are hyperparameters overridden, that should not be loaded from the checkpoint
	// (see commandline.ParseContextSettings).
	ParamsSet []string

	DType dtypes.DType

	BatchSize, SampleSize, SampleRate, Workers int

	// MidSide enables encoding the stereo signal as mid/side before the sub-band split.
	MidSide bool

	// Bank splits the signal into sub-bands before the network, and merges them back after sampling.
	Bank *pqmf.Bank

	// Network is the denoising U-Net, with IOChannels = 2 * bands.
	Network *unet.Network

	// Checkpoint if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler
}

// NewConfig creates the configuration from the hyperparameters in ctx.
//
// paramsSet are hyperparameters overridden, that should not be loaded from the checkpoint
// (see commandline.ParseContextSettings).
func NewConfig(backend backends.Backend, ctx *context.Context, trainingDirs []string, paramsSet []string) (*Config, error) {
	dirs := make([]string, 0, len(trainingDirs))
	for _, dir := range trainingDirs {
		dir, err := fsutil.ReplaceTildeInDir(dir)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, dir)
	}
	c := &Config{
		Backend:      backend,
		Context:      ctx,
		TrainingDirs: dirs,
		ParamsSet:    paramsSet,
	}
	if err := c.build(); err != nil {
		return nil, err
	}
	return c, nil
}

// build (re-)reads the hyperparameters and creates the filter bank and the network.
func (c *Config) build() error {
	ctx := c.Context
	dtypeName := context.GetParamOr(ctx, "dtype", "float32")
	dtype, found := dtypes.MapOfNames[dtypeName]
	if !found {
		return errors.Errorf("diffusion: unknown dtype %q", dtypeName)
	}
	if !dtype.IsFloat() {
		return errors.Errorf("diffusion: dtype must be a float, got %s", dtype)
	}
	c.DType = dtype
	c.BatchSize = context.GetParamOr(ctx, "batch_size", 8)
	c.SampleSize = context.GetParamOr(ctx, "sample_size", 131072)
	c.SampleRate = context.GetParamOr(ctx, "sample_rate", 44100)
	c.Workers = context.GetParamOr(ctx, "num_workers", 2)
	c.MidSide = context.GetParamOr(ctx, audio.ParamMidSide, false)
	if c.BatchSize <= 0 {
		return errors.Errorf("diffusion: batch_size must be > 0, got %d", c.BatchSize)
	}

	bands := context.GetParamOr(ctx, "pqmf_bands", 4)
	var err error
	c.Bank, err = pqmf.New(bands, context.GetParamOr(ctx, "pqmf_attenuation", pqmf.DefaultAttenuation))
	if err != nil {
		return err
	}

	netConfig, err := unet.FromContext(ctx)
	if err != nil {
		return err
	}
	netConfig.IOChannels = dataset.NumChannels * bands
	c.Network, err = unet.New(netConfig)
	if err != nil {
		return err
	}

	multiple := bands * c.Network.LengthMultiple()
	if c.SampleSize <= 0 || c.SampleSize%multiple != 0 {
		return errors.Errorf("diffusion: sample_size=%d must be a positive multiple of pqmf_bands * 2^(depth-1) = %d",
			c.SampleSize, multiple)
	}
	return nil
}

// BottomSampleSize is the length of the signal at the coarsest level of the U-Net.
func (c *Config) BottomSampleSize() int {
	return c.SampleSize / c.Bank.Bands() / c.Network.LengthMultiple()
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return fmt.Sprintf("diffusion.Config{dtype=%s, batch=%d, sample_size=%d@%dHz, bank=%s, mid_side=%v, %s}",
		c.DType, c.BatchSize, c.SampleSize, c.SampleRate, c.Bank, c.MidSide, c.Network.Config())
}

// AttachCheckpoint loads the checkpoint from checkpointPath, if it exists, and attaches it to the context,
// so it gets saved. Hyperparameters in ParamsSet or ParamsExcludedFromLoading are not loaded.
//
// Since the checkpoint may change the hyperparameters, the filter bank and the network are rebuilt.
//
// If checkpointPath is empty, it does nothing.
func (c *Config) AttachCheckpoint(checkpointPath string) error {
	if checkpointPath == "" {
		return nil
	}
	checkpointPath, err := fsutil.ReplaceTildeInDir(checkpointPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(checkpointPath, 0o777); err != nil {
		return errors.Wrapf(err, "diffusion: failed to create checkpoint directory %q", checkpointPath)
	}
	numCheckpoints := context.GetParamOr(c.Context, "num_checkpoints", 5)
	c.Checkpoint, err = checkpoints.Build(c.Context).
		Dir(checkpointPath).
		Keep(numCheckpoints).
		ExcludeParams(append(c.ParamsSet, ParamsExcludedFromLoading...)...).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "diffusion: failed to attach checkpoint %q", checkpointPath)
	}
	klog.V(1).Infof("Checkpoint attached: %s", c.Checkpoint.Dir())
	return c.build()
}

// CreateTrainingDataset returns the infinite training dataset, with random crops and phase flips.
// See dataset.Parallel to load it in parallel.
func (c *Config) CreateTrainingDataset(seed uint64) (*dataset.SampleDataset, error) {
	ds, err := dataset.New(c.TrainingDirs, c.BatchSize, c.SampleSize, seed)
	if err != nil {
		return nil, err
	}
	return ds.WithSampleRate(c.SampleRate).
		WithPhaseFlip(context.GetParamOr(c.Context, "phase_flip_probability", 0.5)), nil
}

// CreateEvalDataset returns a finite dataset of numBatches batches, with deterministic crops, used to evaluate
// the loss. The same batches are yielded after every Reset.
func (c *Config) CreateEvalDataset(numBatches int, seed uint64) (*dataset.SampleDataset, error) {
	ds, err := dataset.New(c.TrainingDirs, c.BatchSize, c.SampleSize, seed)
	if err != nil {
		return nil, err
	}
	return ds.WithName("eval").
		WithSampleRate(c.SampleRate).
		WithLoaders(c.Workers).
		WithPhaseFlip(0).
		WithNumBatches(numBatches), nil
}
