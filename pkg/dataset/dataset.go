// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset implements the training dataset of audio clips: random crops of the WAV files found under a
// set of directories, batched as stereo signals shaped `[batch_size, 2, sample_size]`.
package dataset

import (
	"io"
	"io/fs"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/audiodiffusion/internal/workerspool"
	"github.com/gomlx/audiodiffusion/pkg/audio"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NumChannels of the yielded signals: mono files are promoted to stereo, and extra channels are dropped.
const NumChannels = 2

// SampleDataset yields batches of random crops of audio files. It implements train.Dataset, and it's safe for
// concurrent use (see Parallel).
//
// It is infinite by default, see WithNumBatches for a finite (evaluation) dataset.
type SampleDataset struct {
	name                  string
	files                 []string
	batchSize, sampleSize int
	sampleRate            int
	seed                  uint64
	randomCrop            bool
	phaseFlipProbability  float64
	numBatches            int
	loaders               *workerspool.Pool

	mu         sync.Mutex
	rng        *rand.Rand
	numYielded int
}

// Assert SampleDataset is a train.Dataset.
var _ train.Dataset = (*SampleDataset)(nil)

// New scans dirs recursively for ".wav" files and creates a SampleDataset from them.
//
// It returns an error if no file is found. Directories support "~" for the home directory.
func New(dirs []string, batchSize, sampleSize int, seed uint64) (*SampleDataset, error) {
	if batchSize <= 0 || sampleSize <= 0 {
		return nil, errors.Errorf("dataset: batch size (%d) and sample size (%d) must be > 0", batchSize, sampleSize)
	}
	var files []string
	for _, dir := range dirs {
		dir, err := fsutil.ReplaceTildeInDir(dir)
		if err != nil {
			return nil, err
		}
		err = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !entry.IsDir() && strings.EqualFold(filepath.Ext(path), ".wav") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "dataset: failed to scan %q", dir)
		}
	}
	if len(files) == 0 {
		return nil, errors.Errorf("dataset: no .wav files found in %v", dirs)
	}
	slices.Sort(files)
	klog.V(1).Infof("dataset: found %d audio files in %v", len(files), dirs)
	ds := &SampleDataset{
		name:                 "audio",
		files:                files,
		batchSize:            batchSize,
		sampleSize:           sampleSize,
		seed:                 seed,
		randomCrop:           true,
		phaseFlipProbability: 0.5,
		loaders:              workerspool.New(1),
	}
	ds.Reset()
	return ds, nil
}

// WithRandomCrop configures whether clips are cropped at random positions (the default) or from their start.
func (ds *SampleDataset) WithRandomCrop(randomCrop bool) *SampleDataset {
	ds.randomCrop = randomCrop
	return ds
}

// WithPhaseFlip sets the probability of inverting the sign of a clip, as data augmentation. Default is 0.5.
func (ds *SampleDataset) WithPhaseFlip(probability float64) *SampleDataset {
	ds.phaseFlipProbability = probability
	return ds
}

// WithSampleRate makes the dataset log a warning for files with a different sample rate. 0 disables the check.
func (ds *SampleDataset) WithSampleRate(sampleRate int) *SampleDataset {
	ds.sampleRate = sampleRate
	return ds
}

// WithLoaders sets the number of files of a batch decoded in parallel. Default is 1.
func (ds *SampleDataset) WithLoaders(numLoaders int) *SampleDataset {
	ds.loaders = workerspool.New(numLoaders)
	return ds
}

// WithNumBatches makes the dataset finite: it returns io.EOF after numBatches batches, until Reset is called.
// If numBatches <= 0 the dataset is infinite.
func (ds *SampleDataset) WithNumBatches(numBatches int) *SampleDataset {
	ds.numBatches = numBatches
	return ds
}

// WithName sets the dataset name. It must have at least 3 characters.
func (ds *SampleDataset) WithName(name string) *SampleDataset {
	ds.name = name
	return ds
}

// Files returns the audio files used by the dataset.
func (ds *SampleDataset) Files() []string { return slices.Clone(ds.files) }

// Name implements train.Dataset.
func (ds *SampleDataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the random number generator from the seed.
func (ds *SampleDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.rng = rand.New(rand.NewPCG(ds.seed, ds.seed^0x9e3779b97f4a7c15))
	ds.numYielded = 0
}

// draw holds the random choices for one example.
type draw struct {
	file      string
	offset    float64 // fraction of the available slack, in [0, 1).
	phaseFlip bool
}

// Yield implements train.Dataset. It returns one input, the signals shaped `[batch_size, 2, sample_size]`, and no
// labels: the diffusion targets are generated in the model graph.
func (ds *SampleDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	draws := make([]draw, ds.batchSize)
	ds.mu.Lock()
	if ds.numBatches > 0 && ds.numYielded >= ds.numBatches {
		ds.mu.Unlock()
		err = io.EOF
		return
	}
	ds.numYielded++
	for ii := range draws {
		draws[ii].file = ds.files[ds.rng.IntN(len(ds.files))]
		if ds.randomCrop {
			draws[ii].offset = ds.rng.Float64()
		}
		draws[ii].phaseFlip = ds.rng.Float64() < ds.phaseFlipProbability
	}
	ds.mu.Unlock()

	exampleSize := NumChannels * ds.sampleSize
	data := make([]float32, ds.batchSize*exampleSize)
	err = ds.loaders.Map(len(draws), func(ii int) error {
		return ds.loadExample(draws[ii], data[ii*exampleSize:(ii+1)*exampleSize])
	})
	if err != nil {
		return
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(data, ds.batchSize, NumChannels, ds.sampleSize)}
	return
}

// loadExample reads the file and writes the crop into example, shaped `[2, sample_size]`.
func (ds *SampleDataset) loadExample(d draw, example []float32) error {
	clip, err := audio.ReadWAV(d.file)
	if err != nil {
		return errors.WithMessage(err, "dataset")
	}
	if ds.sampleRate > 0 && clip.SampleRate != ds.sampleRate {
		klog.Warningf("dataset: %q has sample rate %d, expected %d", d.file, clip.SampleRate, ds.sampleRate)
	}
	if clip.NumChannels() == 0 {
		return errors.Errorf("dataset: %q has no audio channels", d.file)
	}
	start := 0
	if slack := clip.Len() - ds.sampleSize; slack > 0 {
		start = int(d.offset * float64(slack+1))
	}
	sign := float32(1)
	if d.phaseFlip {
		sign = -1
	}
	for ch := range NumChannels {
		src := clip.Channels[min(ch, clip.NumChannels()-1)]
		dst := example[ch*ds.sampleSize : (ch+1)*ds.sampleSize]
		n := copy(dst, src[start:])
		for ii := range n {
			dst[ii] *= sign
		}
		// Zero padding for short clips.
		clear(dst[n:])
	}
	return nil
}

// Parallel wraps ds to load the batches with numWorkers goroutines.
func Parallel(ds train.Dataset, numWorkers int) *datasets.ParallelDataset {
	return datasets.CustomParallel(ds).Parallelism(numWorkers).Buffer(numWorkers).Start()
}
