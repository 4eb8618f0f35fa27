// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanDefault(t *testing.T) {
	net, err := New(DefaultConfig())
	require.NoError(t, err)
	levels := net.Levels()
	require.Len(t, levels, 14)
	assert.Equal(t, 13, net.NumDownsamplings())
	assert.Equal(t, 8192, net.LengthMultiple())

	var numAttention int
	for pos, level := range levels {
		assert.Equal(t, pos+1, level.Index)
		assert.Equal(t, 1<<pos, level.LengthDivisor)
		if level.Kind == AttentionStage {
			numAttention++
			assert.GreaterOrEqual(t, level.Index, 9)
			assert.Equal(t, 16, level.Heads)
			assert.Equal(t, 16, level.PrevHeads)
		} else {
			assert.Less(t, level.Index, 9)
			assert.Zero(t, level.Heads)
		}
	}
	assert.Equal(t, 6, numAttention)

	base := levels[0]
	assert.True(t, base.IsBase())
	assert.Equal(t, 2+16, base.InputWidth)
	assert.Equal(t, 2, base.OutputWidth)
	assert.Equal(t, 2*128, base.InnerOutputWidth)

	coarsest := levels[13]
	assert.Equal(t, NoInner, coarsest.Inner)
	assert.Equal(t, 512, coarsest.InnerOutputWidth)
	assert.Equal(t, 1024, coarsest.OutputWidth)
}

func TestPlanTwoLevels(t *testing.T) {
	config := DefaultConfig()
	config.Depth = 2
	config.Widths = []int{64, 128}
	net, err := New(config)
	require.NoError(t, err)
	levels := net.Levels()
	require.Len(t, levels, 2)
	assert.Equal(t, 64, levels[1].InputWidth)
	assert.Equal(t, 128, levels[1].InnerOutputWidth)
	assert.Equal(t, 128, levels[1].OutputWidth)
	assert.Equal(t, 128, levels[0].InnerOutputWidth)
	assert.Equal(t, PlainStage, levels[1].Kind)
	assert.Equal(t, 2, net.LengthMultiple())
}

func TestPlanSingleLevel(t *testing.T) {
	config := smallConfig()
	config.Depth = 1
	config.Widths = []int{8}
	net, err := New(config)
	require.NoError(t, err)
	levels := net.Levels()
	require.Len(t, levels, 1)
	assert.Equal(t, NoInner, levels[0].Inner)
	assert.Equal(t, 8, levels[0].InnerOutputWidth)
	assert.Equal(t, 1, net.LengthMultiple())
}

func TestPlanHeadErrors(t *testing.T) {
	// 16 channels can't be split into 16/5=3 heads.
	config := smallConfig()
	config.AttentionHeadChannels = 5
	_, err := New(config)
	require.Error(t, err)

	// Head wider than the level: 0 heads.
	config = smallConfig()
	config.AttentionHeadChannels = 32
	_, err = New(config)
	require.Error(t, err)

	// Not an error if the level doesn't use attention.
	config.AttentionMinWidth = 1024
	_, err = New(config)
	require.NoError(t, err)

	_, err = New(nil)
	require.Error(t, err)
}

func TestLevelsCopy(t *testing.T) {
	net, err := New(smallConfig())
	require.NoError(t, err)
	levels := net.Levels()
	levels[0].Width = 1000
	assert.Equal(t, 8, net.Levels()[0].Width)
	assert.Equal(t, AttentionStage, net.Levels()[2].Kind)
	assert.Equal(t, "attention", AttentionStage.String())
}
