// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// audio-diffusion trains the audio diffusion U-Net on a directory of WAV files.
//
// Hyperparameters are set with -set (see diffusion.CreateDefaultContext for the list), the most common ones also
// have their own flags. Example:
//
//	audio-diffusion -training_dir=~/data/drums -checkpoint=~/models/drums -set="learning_rate=1e-4;demo_steps=100"
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"

	"github.com/gomlx/audiodiffusion/pkg/diffusion"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagTrainingDir = flag.String("training_dir", "", "Comma separated list of directories with the training WAV files, scanned recursively.")
	flagName        = flag.String("name", "", "Name of the run: if -checkpoint is not given, checkpoints and demos are saved to a directory with this name.")
	flagCheckpoint  = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty (and -name too), no checkpoints are created.")
	flagBackend     = flag.String("backend", "", fmt.Sprintf("Backend configuration, overrides the environment variable %s.", backends.ConfigEnvVar))
	flagEval        = flag.Bool("eval", false, "Whether to evaluate the loss on a few batches at the end of training.")
	flagVerbosity   = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

// paramFlags are the hyperparameters that also have their own flag, as a shortcut to -set.
var paramFlags = map[string]string{
	"batch_size":  "Batch size for training.",
	"num_workers": "Number of goroutines loading the audio files.",
	"pqmf_bands":  "Number of PQMF sub-bands the signal is split into. 1 disables the split.",
	"train_steps": "Number of steps to train, including those done by a previous run restored from -checkpoint.",
	"sample_size": "Number of audio samples of each training example.",
}

func main() {
	ctx := diffusion.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	intFlags := make(map[string]*int, len(paramFlags))
	for name, usage := range paramFlags {
		intFlags[name] = flag.Int(name, context.GetParamOr(ctx, name, 0), usage)
	}
	klog.InitFlags(nil)
	flag.Parse()
	if *flagTrainingDir == "" {
		klog.Exitf("No training data: please set -training_dir. See 'audio-diffusion -help'.")
	}

	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))
	flag.Visit(func(f *flag.Flag) {
		if value, found := intFlags[f.Name]; found {
			ctx.SetParam(f.Name, *value)
			paramsSet = append(paramsSet, f.Name)
		}
	})

	if *flagBackend != "" {
		check(os.Setenv(backends.ConfigEnvVar, *flagBackend))
	}
	backend := check1(backends.New())

	checkpointPath := *flagCheckpoint
	if checkpointPath == "" && *flagName != "" {
		checkpointPath = filepath.Join(".", *flagName)
	}

	config := check1(diffusion.NewConfig(backend, ctx, strings.Split(*flagTrainingDir, ","), paramsSet))
	if *flagVerbosity >= 1 {
		fmt.Printf("Bottom sample size: %d\n", config.BottomSampleSize())
		fmt.Println(planTable(config))
		fmt.Println(check1(modelSummary(config)))
	}
	err := exceptions.TryCatch[error](func() {
		check(diffusion.TrainModel(config, checkpointPath, *flagEval, *flagVerbosity))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
