// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// ParamWidths is the context hyperparameter with the channel width of each level, base level first.
	ParamWidths = "unet_widths"

	// ParamDepth is the context hyperparameter with the number of levels. It must match the length of ParamWidths.
	ParamDepth = "unet_depth"

	// ParamIOChannels is the number of channels of the signal at the network boundary: 2 for stereo, or
	// 2*bands if the signal is split in sub-bands before entering the network.
	ParamIOChannels = "unet_io_channels"

	// ParamEmbedWidth is the width of the Fourier timestep embedding. It must be even.
	ParamEmbedWidth = "unet_embed_width"

	// ParamEmbedStdDev is the standard deviation used to initialize the Fourier embedding frequencies.
	ParamEmbedStdDev = "unet_embed_stddev"

	// ParamKernelSize is the kernel size of the residual units convolutions. It must be odd.
	ParamKernelSize = "unet_kernel_size"

	// ParamAttentionStartLevel is the first level (1-based, the base level is 1) that may use self-attention.
	ParamAttentionStartLevel = "unet_attention_start_level"

	// ParamAttentionMinWidth is the minimum channel width of a level to use self-attention.
	ParamAttentionMinWidth = "unet_attention_min_width"

	// ParamAttentionHeadChannels is the number of channels per attention head: a level of width c uses
	// c / ParamAttentionHeadChannels heads.
	ParamAttentionHeadChannels = "unet_attention_head_channels"
)

// Default values for Config.
const (
	DefaultDepth                 = 14
	DefaultIOChannels            = 2
	DefaultEmbedWidth            = 16
	DefaultEmbedStdDev           = 1.0
	DefaultKernelSize            = 5
	DefaultAttentionStartLevel   = 9
	DefaultAttentionMinWidth     = 512
	DefaultAttentionHeadChannels = 32
)

// DefaultWidths returns the default channel schedule for the given depth: 128, 128, 256, 256 and then 512 for
// all the remaining levels. If depth < 4 it returns the first depth values.
func DefaultWidths(depth int) []int {
	widths := []int{128, 128, 256, 256}
	if depth <= len(widths) {
		if depth < 0 {
			depth = 0
		}
		return widths[:depth]
	}
	for len(widths) < depth {
		widths = append(widths, 512)
	}
	return widths
}

// Config of the denoising network.
//
// Widths and Depth are configuration, not derived structure: they must be given explicitly and agree with each
// other. Use DefaultConfig for the reference configuration, and New to validate it and build the Network.
type Config struct {
	// Widths holds the channel width of each level. Widths[0] is the base level, operating at the signal's native
	// length, and Widths[Depth-1] is the coarsest level.
	Widths []int

	// Depth is the total number of levels, including the base level.
	Depth int

	// IOChannels is the number of channels of the input and output signal.
	IOChannels int

	// EmbedWidth is the width of the timestep embedding, concatenated to the signal channels.
	EmbedWidth int

	// EmbedStdDev is the standard deviation of the initial random Fourier frequencies.
	EmbedStdDev float64

	// KernelSize of the residual units convolutions. Padding is (KernelSize-1)/2, so length is preserved.
	KernelSize int

	// AttentionStartLevel is the first 1-based level index where attention is used. Levels with
	// a lower index never use attention.
	AttentionStartLevel int

	// AttentionMinWidth is the minimum level width for attention to be used.
	AttentionMinWidth int

	// AttentionHeadChannels is the number of channels per head.
	AttentionHeadChannels int
}

// DefaultConfig returns the reference configuration: depth 14, stereo, 16 wide embedding; attention on the levels
// with index >= 9 (all of width 512) with 16 heads each.
func DefaultConfig() *Config {
	return &Config{
		Widths:                DefaultWidths(DefaultDepth),
		Depth:                 DefaultDepth,
		IOChannels:            DefaultIOChannels,
		EmbedWidth:            DefaultEmbedWidth,
		EmbedStdDev:           DefaultEmbedStdDev,
		KernelSize:            DefaultKernelSize,
		AttentionStartLevel:   DefaultAttentionStartLevel,
		AttentionMinWidth:     DefaultAttentionMinWidth,
		AttentionHeadChannels: DefaultAttentionHeadChannels,
	}
}

// FromContext creates a Config from the hyperparameters in ctx, using the defaults for those not set.
//
// If ParamWidths is not set, DefaultWidths(depth) is used. It returns an error if the configuration is invalid,
// see Config.Validate.
func FromContext(ctx *context.Context) (*Config, error) {
	depth := context.GetParamOr(ctx, ParamDepth, DefaultDepth)
	c := &Config{
		Widths:                context.GetParamOr(ctx, ParamWidths, DefaultWidths(depth)),
		Depth:                 depth,
		IOChannels:            context.GetParamOr(ctx, ParamIOChannels, DefaultIOChannels),
		EmbedWidth:            context.GetParamOr(ctx, ParamEmbedWidth, DefaultEmbedWidth),
		EmbedStdDev:           context.GetParamOr(ctx, ParamEmbedStdDev, DefaultEmbedStdDev),
		KernelSize:            context.GetParamOr(ctx, ParamKernelSize, DefaultKernelSize),
		AttentionStartLevel:   context.GetParamOr(ctx, ParamAttentionStartLevel, DefaultAttentionStartLevel),
		AttentionMinWidth:     context.GetParamOr(ctx, ParamAttentionMinWidth, DefaultAttentionMinWidth),
		AttentionHeadChannels: context.GetParamOr(ctx, ParamAttentionHeadChannels, DefaultAttentionHeadChannels),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c2 := *c
	c2.Widths = append([]int(nil), c.Widths...)
	return &c2
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return fmt.Sprintf("unet.Config{depth=%d, widths=%v, io=%d, embed=%d, kernel=%d, attention=level>=%d&&width>=%d, head_channels=%d}",
		c.Depth, c.Widths, c.IOChannels, c.EmbedWidth, c.KernelSize,
		c.AttentionStartLevel, c.AttentionMinWidth, c.AttentionHeadChannels)
}

// Validate the scalar fields of the configuration. The consistency of the level plan is checked by New.
func (c *Config) Validate() error {
	if c.Depth < 1 {
		return errors.Errorf("unet: depth must be >= 1, got %d", c.Depth)
	}
	if len(c.Widths) != c.Depth {
		return errors.Errorf("unet: depth %d inconsistent with a schedule of %d widths (%v)", c.Depth, len(c.Widths), c.Widths)
	}
	for ii, width := range c.Widths {
		if width <= 0 {
			return errors.Errorf("unet: width of level %d must be > 0, got %d", ii+1, width)
		}
	}
	if c.IOChannels <= 0 {
		return errors.Errorf("unet: the number of signal channels must be > 0, got %d", c.IOChannels)
	}
	if c.EmbedWidth <= 0 || c.EmbedWidth%2 != 0 {
		return errors.Errorf("unet: timestep embedding width must be even and > 0, got %d", c.EmbedWidth)
	}
	if c.EmbedStdDev <= 0 {
		return errors.Errorf("unet: timestep embedding stddev must be > 0, got %g", c.EmbedStdDev)
	}
	if c.KernelSize <= 0 || c.KernelSize%2 == 0 {
		return errors.Errorf("unet: kernel size must be odd and > 0 to preserve the length, got %d", c.KernelSize)
	}
	return nil
}

// usesAttention returns whether the level with the given 1-based index and width uses self-attention.
func (c *Config) usesAttention(index, width int) bool {
	return index > 1 && index >= c.AttentionStartLevel && width >= c.AttentionMinWidth
}
