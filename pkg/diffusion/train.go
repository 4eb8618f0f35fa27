// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/audiodiffusion/pkg/dataset"
)

// Priorities of the loop hooks: the checkpoint is saved before the demos are generated.
const (
	checkpointPriority train.Priority = 100
	demoPriority       train.Priority = 50
)

// NewTrainer creates the train.Trainer for the diffusion model, with the optimizer configured in the context
// (Adam by default).
func (c *Config) NewTrainer() *train.Trainer {
	// Custom loss: model returns scalar loss as the second element of the predictions.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }
	return train.NewTrainer(
		c.Backend, c.Context, c.BuildTrainingModelGraph(), customLoss,
		optimizers.FromContext(c.Context),
		[]metrics.Interface{}, // trainMetrics
		[]metrics.Interface{}) // evalMetrics
}

// EveryGlobalSteps registers an OnStep hook on the loop called whenever the global step (after the train step)
// is a multiple of n. Unlike train.EveryNSteps, it stays aligned with the global step when training is resumed
// from a checkpoint.
func EveryGlobalSteps(loop *train.Loop, n int, name string, priority train.Priority, fn func(loop *train.Loop, globalStep int) error) {
	if n <= 0 {
		return
	}
	loop.OnStep(fmt.Sprintf("EveryGlobalSteps(%d): %s", n, name), priority,
		func(loop *train.Loop, _ []*tensors.Tensor) error {
			globalStep := loop.LoopStep + 1
			if globalStep%n != 0 {
				return nil
			}
			return fn(loop, globalStep)
		})
}

// TrainModel trains the model up to the "train_steps" global step.
//
// If checkpointPath is given, the model is loaded from it (if it exists) and saved every "checkpoint_every_steps"
// and at the end. Demos are generated every "demo_every_steps" into the checkpoint directory; without a
// checkpoint there are no demos.
//
// If evaluateOnEnd is set, the loss is evaluated on "eval_batches" batches at the end.
func TrainModel(config *Config, checkpointPath string, evaluateOnEnd bool, verbosity int) error {
	ctx := config.Context
	backend := config.Backend
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	if err := config.AttachCheckpoint(checkpointPath); err != nil {
		return err
	}
	checkpoint := config.Checkpoint
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if context.GetParamOr(ctx, "rng_reset", true) {
		// Reset RNG with some pseudo-random value.
		if err := ctx.RngStateReset(); err != nil {
			return errors.WithMessage(err, "diffusion: failed to reset the random number generator")
		}
	}
	if verbosity >= 1 {
		// Enumerate parameters that were set.
		for _, paramsPath := range config.ParamsSet {
			scope, name := context.SplitScope(paramsPath)
			if scope == "" {
				if value, found := ctx.GetParam(name); found {
					fmt.Printf("\t%s=%v\n", name, value)
				}
			} else {
				if value, found := ctx.InAbsPath(scope).GetParam(name); found {
					fmt.Printf("\tscope=%q %s=%v\n", scope, name, value)
				}
			}
		}
	}

	globalStep := int(optimizers.GetGlobalStep(ctx))
	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	trainDS, err := config.CreateTrainingDataset(uint64(globalStep))
	if err != nil {
		return err
	}

	trainer := config.NewTrainer()
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	if checkpoint != nil {
		EveryGlobalSteps(loop, context.GetParamOr(ctx, "checkpoint_every_steps", 10_000), "saving checkpoint",
			checkpointPriority, func(_ *train.Loop, _ int) error {
				return checkpoint.Save()
			})
		loop.OnEnd("saving checkpoint", checkpointPriority, func(_ *train.Loop, _ []*tensors.Tensor) error {
			return checkpoint.Save()
		})

		generator := NewDemoGenerator(config, checkpoint.Dir())
		EveryGlobalSteps(loop, context.GetParamOr(ctx, "demo_every_steps", 1_000), "demos",
			demoPriority, func(_ *train.Loop, step int) error {
				_, err := generator.Generate(step)
				return err
			})
	}

	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		fmt.Println("Starting training:")
		parallelDS := dataset.Parallel(trainDS, config.Workers)
		_, err = loop.RunSteps(parallelDS, numTrainSteps-globalStep)
		parallelDS.Done()
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if err != nil {
			if checkpoint != nil && loop.LoopStep > loop.StartStep {
				klog.Infof("Debug checkpoint save before crashing at loop step %d", loop.LoopStep)
				if errSave := checkpoint.Save(); errSave != nil {
					klog.Errorf("Error while saving checkpoint before crashing: %+v", errSave)
				}
			}
			return errors.WithMessage(err, "diffusion: training failed")
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	numEvalBatches := context.GetParamOr(ctx, "eval_batches", 4)
	if evaluateOnEnd && numEvalBatches > 0 {
		evalDS, err := config.CreateEvalDataset(numEvalBatches, 0)
		if err != nil {
			return err
		}
		if verbosity >= 1 {
			fmt.Println()
		}
		if err := commandline.ReportEval(trainer, evalDS); err != nil {
			return errors.WithMessage(err, "diffusion: evaluation failed")
		}
	}
	return nil
}
