// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/gomlx/audiodiffusion/pkg/audio"
	"github.com/gomlx/audiodiffusion/pkg/pqmf"
	"github.com/gomlx/audiodiffusion/pkg/unet"
)

var (
	// ParamsExcludedFromLoading is the list of parameters (see CreateDefaultContext) that shouldn't be loaded
	// from models checkpoints.
	//
	// These are appended to the list of settings given in the command line in the flag -set.
	ParamsExcludedFromLoading = []string{
		"train_steps", "num_workers", "num_checkpoints", "checkpoint_every_steps",
		"demo_every_steps", "demo_num_samples", "demo_steps", "demo_eta", "eval_batches", "rng_reset",
	}
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Number of gradient descent steps, including the ones already trained when restarting from a checkpoint.
		"train_steps": 1_000_000,

		// Checkpoints are saved every checkpoint_every_steps, and at the end of training.
		"num_checkpoints":        5,
		"checkpoint_every_steps": 10_000,

		// Training examples: batch_size crops of sample_size samples. sample_size must be divisible by
		// pqmf_bands * 2^(unet_depth-1).
		"batch_size":             8,
		"sample_size":            131_072,
		"sample_rate":            44_100,
		"phase_flip_probability": 0.5,
		"num_workers":            2,

		// dtype to use for the model.
		"dtype": "float32",

		// Sub-band split: the stereo signal is split in pqmf_bands bands before the U-Net. 1 disables it.
		"pqmf_bands":       4,
		"pqmf_attenuation": pqmf.DefaultAttenuation,

		// Mid/side encoding of the stereo signal.
		audio.ParamMidSide: false,

		// Exponential Moving Average of the model weights, used to generate the demos. Set to <= 0 to disable.
		"diffusion_ema": 0.995,

		// Demos generated from the EMA weights, saved to the checkpoint directory.
		"demo_every_steps": 1_000,
		"demo_num_samples": 4,
		"demo_steps":       500,
		"demo_eta":         1.0,

		// Number of batches used to evaluate the loss at the end of training, if requested. 0 disables it.
		"eval_batches": 4,

		// seed for the demos noise.
		"seed": 0,

		// rng_reset enables resetting the random number generator state with a new random value -- useful when continuing training.
		"rng_reset": true,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 4e-5,

		// U-Net: the number of widths must match unet_depth.
		unet.ParamWidths:                unet.DefaultWidths(unet.DefaultDepth),
		unet.ParamDepth:                 unet.DefaultDepth,
		unet.ParamEmbedWidth:            unet.DefaultEmbedWidth,
		unet.ParamEmbedStdDev:           unet.DefaultEmbedStdDev,
		unet.ParamKernelSize:            unet.DefaultKernelSize,
		unet.ParamAttentionStartLevel:   unet.DefaultAttentionStartLevel,
		unet.ParamAttentionMinWidth:     unet.DefaultAttentionMinWidth,
		unet.ParamAttentionHeadChannels: unet.DefaultAttentionHeadChannels,
	})
	return ctx
}
