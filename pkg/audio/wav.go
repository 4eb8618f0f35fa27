// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package audio holds the audio input/output (WAV files) and the channel transforms used by the audio diffusion
// model.
package audio

import (
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pkg/errors"
)

// DefaultBitDepth used when writing WAV files.
const DefaultBitDepth = 16

// Clip is a decoded audio clip, with samples normalized to [-1, 1].
type Clip struct {
	SampleRate int

	// Channels holds the samples of each channel, all with the same length.
	Channels [][]float32
}

// NewClip allocates a silent clip.
func NewClip(sampleRate, numChannels, length int) *Clip {
	c := &Clip{SampleRate: sampleRate, Channels: make([][]float32, numChannels)}
	for ii := range c.Channels {
		c.Channels[ii] = make([]float32, length)
	}
	return c
}

// NumChannels returns the number of channels.
func (c *Clip) NumChannels() int { return len(c.Channels) }

// Len returns the number of samples per channel.
func (c *Clip) Len() int {
	if len(c.Channels) == 0 {
		return 0
	}
	return len(c.Channels[0])
}

// ReadWAV decodes a PCM WAV file.
func ReadWAV(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, errors.Errorf("%q is not a valid WAV file", path)
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %q", path)
	}
	numChannels := buf.Format.NumChannels
	bitDepth := int(decoder.BitDepth)
	if numChannels <= 0 || bitDepth <= 0 {
		return nil, errors.Errorf("%q has invalid format: %d channels, %d bits", path, numChannels, bitDepth)
	}
	scale := 1.0 / float64(int(1)<<(bitDepth-1))
	if bitDepth == 8 {
		// 8 bits PCM is unsigned: the decoder returns values in [0, 255].
		scale = 1.0 / 128
	}
	length := len(buf.Data) / numChannels
	clip := NewClip(buf.Format.SampleRate, numChannels, length)
	for ii := range length {
		for ch := range numChannels {
			v := float64(buf.Data[ii*numChannels+ch])
			if bitDepth == 8 {
				v -= 128
			}
			clip.Channels[ch][ii] = float32(v * scale)
		}
	}
	return clip, nil
}

// WriteWAV encodes the clip as a PCM WAV file with the given bit depth (16, 24 or 32), clipping samples to [-1, 1].
func WriteWAV(path string, clip *Clip, bitDepth int) error {
	if bitDepth != 16 && bitDepth != 24 && bitDepth != 32 {
		return errors.Errorf("unsupported WAV bit depth %d", bitDepth)
	}
	numChannels, length := clip.NumChannels(), clip.Len()
	if numChannels == 0 {
		return errors.Errorf("can't write clip with no channels to %q", path)
	}
	for ch, samples := range clip.Channels {
		if len(samples) != length {
			return errors.Errorf("channel %d has %d samples, expected %d", ch, len(samples), length)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	maxValue := float64(int(1)<<(bitDepth-1) - 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: numChannels, SampleRate: clip.SampleRate},
		Data:           make([]int, numChannels*length),
		SourceBitDepth: bitDepth,
	}
	for ii := range length {
		for ch := range numChannels {
			v := math.Max(-1, math.Min(1, float64(clip.Channels[ch][ii])))
			buf.Data[ii*numChannels+ch] = int(math.Round(v * maxValue))
		}
	}
	const pcmFormat = 1
	encoder := wav.NewEncoder(f, clip.SampleRate, bitDepth, numChannels, pcmFormat)
	if err = encoder.Write(buf); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode %q", path)
	}
	if err = encoder.Close(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to finish %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}
