// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/audiodiffusion/pkg/audio"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeClip(t *testing.T, path string, numChannels, length int, value func(ch, ii int) float32) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	clip := audio.NewClip(44100, numChannels, length)
	for ch := range numChannels {
		for ii := range length {
			clip.Channels[ch][ii] = value(ch, ii)
		}
	}
	require.NoError(t, audio.WriteWAV(path, clip, audio.DefaultBitDepth))
}

func TestSampleDataset(t *testing.T) {
	dir := t.TempDir()
	writeClip(t, filepath.Join(dir, "a.wav"), 2, 1000, func(ch, ii int) float32 {
		return float32(0.5 * math.Sin(float64(ii)*0.1+float64(ch)))
	})
	writeClip(t, filepath.Join(dir, "sub", "b.WAV"), 1, 300, func(_, ii int) float32 { return 0.25 })
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	ds, err := New([]string{dir}, 4, 256, 7)
	require.NoError(t, err)
	require.Len(t, ds.Files(), 2)

	for range 3 {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		assert.Empty(t, labels)
		assert.Equal(t, []int{4, 2, 256}, inputs[0].Shape().Dimensions)
		for _, v := range tensors.MustCopyFlatData[float32](inputs[0]) {
			require.LessOrEqual(t, math.Abs(float64(v)), 0.51)
		}
	}

	// Same seed after Reset gives the same batches.
	ds.Reset()
	_, first, _, err := ds.Yield()
	require.NoError(t, err)
	ds.Reset()
	_, second, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[float32](first[0]), tensors.MustCopyFlatData[float32](second[0]))
}

func TestSampleDatasetPadding(t *testing.T) {
	dir := t.TempDir()
	writeClip(t, filepath.Join(dir, "short.wav"), 1, 50, func(_, ii int) float32 { return 0.5 })
	ds, err := New([]string{dir}, 2, 64, 0)
	require.NoError(t, err)
	ds.WithRandomCrop(false).WithPhaseFlip(0)
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	values := tensors.MustCopyFlatData[float32](inputs[0])
	for example := range 2 {
		for ch := range 2 {
			row := values[(example*2+ch)*64 : (example*2+ch+1)*64]
			for ii, v := range row {
				if ii < 50 {
					require.InDelta(t, 0.5, v, 1e-4)
				} else {
					require.Zero(t, v)
				}
			}
		}
	}

	// Phase inversion always on.
	ds.WithPhaseFlip(1)
	_, inputs, _, err = ds.Yield()
	require.NoError(t, err)
	require.InDelta(t, -0.5, tensors.MustCopyFlatData[float32](inputs[0])[0], 1e-4)
}

func TestSampleDatasetErrors(t *testing.T) {
	_, err := New([]string{t.TempDir()}, 2, 64, 0)
	require.Error(t, err, "no files")
	_, err = New([]string{filepath.Join(t.TempDir(), "missing")}, 2, 64, 0)
	require.Error(t, err)
	_, err = New([]string{t.TempDir()}, 0, 64, 0)
	require.Error(t, err)
}

func TestParallel(t *testing.T) {
	dir := t.TempDir()
	writeClip(t, filepath.Join(dir, "a.wav"), 2, 500, func(ch, ii int) float32 { return 0.1 })
	ds, err := New([]string{dir}, 2, 128, 1)
	require.NoError(t, err)
	parallel := Parallel(ds, 2)
	defer parallel.Done()
	for range 4 {
		_, inputs, _, err := parallel.Yield()
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2, 128}, inputs[0].Shape().Dimensions)
	}
}

func TestSampleDatasetFinite(t *testing.T) {
	dir := t.TempDir()
	writeClip(t, filepath.Join(dir, "a.wav"), 2, 200, func(ch, ii int) float32 { return 0.1 })
	ds, err := New([]string{dir}, 1, 100, 3)
	require.NoError(t, err)
	ds.WithNumBatches(2)
	for range 2 {
		_, _, _, err = ds.Yield()
		require.NoError(t, err)
	}
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)
	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

func TestSampleDatasetLoaders(t *testing.T) {
	dir := t.TempDir()
	for ii, name := range []string{"a.wav", "b.wav", "c.wav"} {
		writeClip(t, filepath.Join(dir, name), 2, 500, func(ch, jj int) float32 {
			return float32(0.1 * math.Sin(float64((ii+1)*jj)*0.01+float64(ch)))
		})
	}
	sequential, err := New([]string{dir}, 6, 128, 11)
	require.NoError(t, err)
	parallel, err := New([]string{dir}, 6, 128, 11)
	require.NoError(t, err)
	parallel.WithLoaders(3)
	for range 2 {
		_, want, _, err := sequential.Yield()
		require.NoError(t, err)
		_, got, _, err := parallel.Yield()
		require.NoError(t, err)
		assert.Equal(t, tensors.MustCopyFlatData[float32](want[0]), tensors.MustCopyFlatData[float32](got[0]))
	}
}
