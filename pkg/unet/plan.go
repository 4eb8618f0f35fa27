// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	"fmt"

	"github.com/pkg/errors"
)

// StageKind tags the processing stage of a level: plain residual units or residual units each followed by
// self-attention.
type StageKind int

const (
	// PlainStage levels only use residual units.
	PlainStage StageKind = iota

	// AttentionStage levels follow each residual unit by an attention unit.
	AttentionStage
)

// String implements fmt.Stringer.
func (k StageKind) String() string {
	switch k {
	case PlainStage:
		return "plain"
	case AttentionStage:
		return "attention"
	default:
		return fmt.Sprintf("StageKind(%d)", int(k))
	}
}

// NoInner is the value of Level.Inner for the coarsest level.
const NoInner = -1

// Level describes one resolution level of the U-Net. It is resolved once by New and never changes.
type Level struct {
	// Index of the level, 1-based: 1 is the base level at the native length, Depth the coarsest.
	Index int

	// Width is the channel width of the level's units.
	Width int

	// PrevWidth is the width of the next finer level, which is the width this level receives and, after the
	// skip concatenation, returns doubled. 0 for the base level.
	PrevWidth int

	// Kind tells whether the units are followed by attention.
	Kind StageKind

	// Heads is the number of attention heads for units of width Width, and PrevHeads for the last unit,
	// narrowing to PrevWidth. Both are 0 for PlainStage levels.
	Heads, PrevHeads int

	// Inner is the position in Network.Levels() of the next coarser level, or NoInner.
	Inner int

	// InputWidth is the number of channels the level receives.
	InputWidth int

	// InnerOutputWidth is the number of channels returned by the inner level (or by the level's own descending
	// units, if there is no inner level). It is the input width of the first ascending unit.
	InnerOutputWidth int

	// OutputWidth is the number of channels the level returns: 2*PrevWidth for the outer levels, because of the skip
	// concatenation, and the signal channels for the base level.
	OutputWidth int

	// LengthDivisor is the factor by which the native length is divided when it enters this level's units.
	LengthDivisor int
}

// IsBase returns whether this is the base level, the one at the native signal length.
func (l Level) IsBase() bool { return l.Index == 1 }

// String implements fmt.Stringer.
func (l Level) String() string {
	return fmt.Sprintf("level #%d: width=%d, prev=%d, %s (heads=%d/%d), in=%d, out=%d, length/%d",
		l.Index, l.Width, l.PrevWidth, l.Kind, l.Heads, l.PrevHeads, l.InputWidth, l.OutputWidth, l.LengthDivisor)
}

// buildPlan resolves the levels for a validated configuration, from the coarsest level to the base one, and
// returns them ordered by Index (position 0 is the base level).
func buildPlan(config *Config) ([]Level, error) {
	depth := config.Depth
	levels := make([]Level, depth)
	for ii := depth; ii >= 1; ii-- {
		pos := ii - 1
		level := Level{
			Index:         ii,
			Width:         config.Widths[pos],
			Inner:         NoInner,
			LengthDivisor: 1 << (ii - 1),
		}
		if ii < depth {
			level.Inner = pos + 1
			level.InnerOutputWidth = levels[pos+1].OutputWidth
		} else {
			level.InnerOutputWidth = level.Width
		}
		if level.IsBase() {
			level.InputWidth = config.IOChannels + config.EmbedWidth
			level.OutputWidth = config.IOChannels
		} else {
			level.PrevWidth = config.Widths[pos-1]
			level.InputWidth = level.PrevWidth
			level.OutputWidth = 2 * level.PrevWidth
			if config.usesAttention(ii, level.Width) {
				level.Kind = AttentionStage
				var err error
				if level.Heads, err = headsFor(config, ii, level.Width); err != nil {
					return nil, err
				}
				if level.PrevHeads, err = headsFor(config, ii, level.PrevWidth); err != nil {
					return nil, err
				}
			}
		}
		levels[pos] = level
	}
	if err := checkPlan(config, levels); err != nil {
		return nil, err
	}
	return levels, nil
}

// headsFor returns the number of heads for an attention unit of the given width.
func headsFor(config *Config, index, width int) (int, error) {
	if config.AttentionHeadChannels <= 0 {
		return 0, errors.Errorf("unet: level %d uses attention but head channels is %d, it must be > 0",
			index, config.AttentionHeadChannels)
	}
	heads := width / config.AttentionHeadChannels
	if err := checkHeads(width, heads); err != nil {
		return 0, errors.WithMessagef(err, "unet: level %d", index)
	}
	return heads, nil
}

// checkHeads validates the number of heads of an attention unit with the given width.
func checkHeads(width, heads int) error {
	if heads <= 0 {
		return errors.Errorf("attention with %d channels has %d heads, it requires at least one", width, heads)
	}
	if width%heads != 0 {
		return errors.Errorf("attention with %d channels can not be split in %d heads", width, heads)
	}
	return nil
}

// checkPlan walks the levels and asserts the concatenation widths and the length multiples agree at every boundary.
func checkPlan(config *Config, levels []Level) error {
	for pos, level := range levels {
		if level.Index != pos+1 {
			return errors.Errorf("unet: level at position %d has index %d", pos, level.Index)
		}
		if level.LengthDivisor != 1<<pos {
			return errors.Errorf("unet: level %d has length divisor %d, expected %d", level.Index, level.LengthDivisor, 1<<pos)
		}
		if level.Inner == NoInner {
			if pos != len(levels)-1 {
				return errors.Errorf("unet: level %d has no inner level but it is not the coarsest", level.Index)
			}
			if level.InnerOutputWidth != level.Width {
				return errors.Errorf("unet: coarsest level %d receives %d channels from its descending units, expected %d",
					level.Index, level.InnerOutputWidth, level.Width)
			}
			continue
		}
		inner := levels[level.Inner]
		if inner.Index != level.Index+1 {
			return errors.Errorf("unet: level %d is linked to level %d as its inner level", level.Index, inner.Index)
		}
		if inner.InputWidth != level.Width {
			return errors.Errorf("unet: level %d outputs %d channels but its inner level %d expects %d",
				level.Index, level.Width, inner.Index, inner.InputWidth)
		}
		if inner.OutputWidth != 2*level.Width || level.InnerOutputWidth != inner.OutputWidth {
			return errors.Errorf("unet: level %d concatenation returns %d channels, level %d expects %d (2x%d)",
				inner.Index, inner.OutputWidth, level.Index, 2*level.Width, level.Width)
		}
	}
	base := levels[0]
	if base.InputWidth != config.IOChannels+config.EmbedWidth || base.OutputWidth != config.IOChannels {
		return errors.Errorf("unet: base level must take %d+%d channels and return %d, got %d and %d",
			config.IOChannels, config.EmbedWidth, config.IOChannels, base.InputWidth, base.OutputWidth)
	}
	return nil
}
