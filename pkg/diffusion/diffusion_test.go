// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/audiodiffusion/internal/testutil"
	"github.com/gomlx/audiodiffusion/pkg/audio"
	"github.com/gomlx/audiodiffusion/pkg/unet"
)

// writeTrainingDir creates a directory with a couple of short WAV files.
func writeTrainingDir(t *testing.T) string {
	dir := t.TempDir()
	for fileIdx := range 2 {
		clip := audio.NewClip(8000, 2, 300)
		for ch := range 2 {
			for ii := range clip.Channels[ch] {
				clip.Channels[ch][ii] = float32(0.5 * math.Sin(0.05*float64((fileIdx+1)*(ch+1)*ii)))
			}
		}
		require.NoError(t, audio.WriteWAV(filepath.Join(dir, fmt.Sprintf("clip_%d.wav", fileIdx)), clip, 16))
	}
	return dir
}

// smallContext returns a context with a tiny model, fast enough for the pure Go backend.
func smallContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		"train_steps":            4,
		"checkpoint_every_steps": 2,
		"demo_every_steps":       4,
		"demo_num_samples":       1,
		"demo_steps":             2,
		"batch_size":             2,
		"sample_size":            64,
		"sample_rate":            8000,
		"num_workers":            1,
		"eval_batches":           1,
		"pqmf_bands":             2,
		"pqmf_attenuation":       40.0,
		unet.ParamWidths:         []int{8, 8},
		unet.ParamDepth:          2,
		unet.ParamEmbedWidth:     4,
		unet.ParamKernelSize:     3,
	})
	return ctx
}

func TestNewConfig(t *testing.T) {
	backend := testutil.Backend(t)
	t.Run("Default", func(t *testing.T) {
		config, err := NewConfig(backend, CreateDefaultContext(), []string{"/tmp"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 4, config.Bank.Bands())
		assert.Equal(t, 8, config.Network.Config().IOChannels)
		assert.Equal(t, 14, config.Network.Config().Depth)
		assert.Equal(t, 131072/4/8192, config.BottomSampleSize())
		assert.False(t, config.MidSide)
		assert.Equal(t, 8, config.BatchSize)
	})
	t.Run("Small", func(t *testing.T) {
		config, err := NewConfig(backend, smallContext(), nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 4, config.Network.Config().IOChannels)
		assert.Equal(t, 16, config.BottomSampleSize())
	})
	t.Run("Errors", func(t *testing.T) {
		for name, params := range map[string]map[string]any{
			"sample_size": {"sample_size": 102},
			"dtype":       {"dtype": "int32"},
			"bad_dtype":   {"dtype": "float13"},
			"bands":       {"pqmf_bands": 0},
			"depth":       {unet.ParamDepth: 3},
			"batch_size":  {"batch_size": 0},
		} {
			ctx := smallContext()
			ctx.SetParams(params)
			_, err := NewConfig(backend, ctx, nil, nil)
			require.Errorf(t, err, "%s should have failed", name)
		}
	})
}

func TestUpdateEMAGraph(t *testing.T) {
	backend := testutil.Backend(t)
	ctx := context.New()
	ctx.In(unet.ModelScope).In("dense").VariableWithValue("weights", []float32{1, 2})
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		UpdateEMAGraph(ctx, g, 0.5)
		return Const(g, float32(0))
	})

	emaValue := func() []float32 {
		v := ctx.GetVariableByScopeAndName("/"+EMAScope+"/"+unet.ModelScope+"/dense", "weights")
		require.NotNil(t, v)
		return tensors.MustCopyFlatData[float32](v.MustValue())
	}
	exec.MustExec1()
	// decay = min(1/10, 0.5)
	assert.InDeltaSlice(t, []float32{0.9, 1.8}, emaValue(), 1e-5)
	exec.MustExec1()
	// decay = min(2/11, 0.5)
	decay := 2.0 / 11.0
	want := 0.9*decay + (1 - decay)
	assert.InDeltaSlice(t, []float32{float32(want), float32(2 * want)}, emaValue(), 1e-5)
}

func TestPreprocessRoundTrip(t *testing.T) {
	backend := testutil.Backend(t)
	ctx := smallContext()
	ctx.SetParam(audio.ParamMidSide, true)
	ctx.SetParam("pqmf_attenuation", 100.0)
	config := must.M1(NewConfig(backend, ctx, nil, nil))
	require.True(t, config.MidSide)

	length := 256
	data := make([]float32, 2*length)
	for ii := range length {
		data[ii] = float32(math.Sin(0.05 * float64(ii)))
		data[length+ii] = float32(0.5 * math.Cos(0.03*float64(ii)))
	}
	input := tensors.FromFlatDataAndDimensions(data, 1, 2, length)
	outputs := CallOnceN(backend, func(x *Node) []*Node {
		bands := config.PreprocessGraph(x)
		return []*Node{bands, config.PostprocessGraph(bands)}
	}, input)
	assert.Equal(t, []int{1, 4, length / 2}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{1, 2, length}, outputs[1].Shape().Dimensions)

	// Reconstruction is near perfect away from the borders.
	got := tensors.MustCopyFlatData[float32](outputs[1])
	for ch := range 2 {
		for ii := length / 4; ii < 3*length/4; ii++ {
			idx := ch*length + ii
			require.InDeltaf(t, data[idx], got[idx], 0.05, "channel %d, sample %d", ch, ii)
		}
	}
}

func TestTrainModel(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping training test in -short mode")
	}
	backend := testutil.Backend(t)
	testutil.SkipIfNoConvolutionGradient(t, backend)
	trainingDir := writeTrainingDir(t)
	checkpointDir := filepath.Join(t.TempDir(), "model")

	ctx := smallContext()
	config := must.M1(NewConfig(backend, ctx, []string{trainingDir}, nil))
	require.NoError(t, TrainModel(config, checkpointDir, true, -1))
	assert.Equal(t, int64(4), optimizers.GetGlobalStep(ctx))

	// EMA weights are kept alongside the model weights.
	var numEMAVars int
	ctx.In(EMAScope).In(unet.ModelScope).EnumerateVariablesInScope(func(v *context.Variable) { numEMAVars++ })
	assert.Greater(t, numEMAVars, 0)

	// Demo generated at the last step.
	demoPath := filepath.Join(checkpointDir, fmt.Sprintf(DemoFilePattern, 4, 0))
	clip, err := audio.ReadWAV(demoPath)
	require.NoError(t, err)
	assert.Equal(t, 8000, clip.SampleRate)
	assert.Equal(t, 2, clip.NumChannels())
	assert.Equal(t, 64, clip.Len())

	// Resume from the checkpoint, and train 2 more steps.
	ctx2 := smallContext()
	ctx2.SetParam("train_steps", 6)
	config2 := must.M1(NewConfig(backend, ctx2, []string{trainingDir}, nil))
	require.NoError(t, TrainModel(config2, checkpointDir, false, -1))
	assert.Equal(t, int64(6), optimizers.GetGlobalStep(ctx2))
	_, err = os.Stat(filepath.Join(checkpointDir, fmt.Sprintf(DemoFilePattern, 6, 0)))
	assert.True(t, os.IsNotExist(err), "demos are only generated every 4 steps")
}

func TestEvalModelAndDemos(t *testing.T) {
	backend := testutil.Backend(t)
	trainingDir := writeTrainingDir(t)
	ctx := smallContext()
	config := must.M1(NewConfig(backend, ctx, []string{trainingDir}, nil))

	ds := must.M1(config.CreateEvalDataset(1, 0))
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	modelFn := config.BuildTrainingModelGraph()
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, signal *Node) []*Node {
		ctx.SetTraining(signal.Graph(), false)
		return modelFn(ctx, nil, []*Node{signal})
	}, inputs[0])
	require.Len(t, outputs, 2)
	assert.Equal(t, []int{2, 4, 32}, outputs[0].Shape().Dimensions)
	loss := tensors.ToScalar[float32](outputs[1])
	assert.False(t, math.IsNaN(float64(loss)))
	assert.Greater(t, loss, float32(0))

	// No EMA is kept in evaluation.
	var numEMAVars int
	ctx.In(EMAScope).EnumerateVariablesInScope(func(v *context.Variable) { numEMAVars++ })
	assert.Zero(t, numEMAVars)

	// Demos from an untrained model, using the model weights.
	ctx.SetParam("diffusion_ema", 0.0)
	dir := t.TempDir()
	paths, err := NewDemoGenerator(config, dir).Generate(7)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, filepath.Join(dir, fmt.Sprintf(DemoFilePattern, 7, 0)), paths[0])
	clip, err := audio.ReadWAV(paths[0])
	require.NoError(t, err)
	assert.Equal(t, 8000, clip.SampleRate)
	assert.Equal(t, 2, clip.NumChannels())
	assert.Equal(t, 64, clip.Len())
	for _, channel := range clip.Channels {
		for _, v := range channel {
			require.LessOrEqual(t, math.Abs(float64(v)), 1.0)
		}
	}
}

func TestTrainModelNoFiles(t *testing.T) {
	backend := testutil.Backend(t)
	config := must.M1(NewConfig(backend, smallContext(), []string{t.TempDir()}, nil))
	require.Error(t, TrainModel(config, "", false, -1))
}
