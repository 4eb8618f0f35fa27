// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/gomlx/audiodiffusion/pkg/diffusion"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	attentionRowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "4", Dark: "12"}).
				PaddingLeft(1).PaddingRight(1)
)

// planTable renders the U-Net levels: their width, signal length and whether they use attention.
func planTable(config *diffusion.Config) string {
	levels := config.Network.Levels()
	baseLength := config.SampleSize / config.Bank.Bands()
	attentionRows := make(map[int]bool)
	t := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers("Level", "Width", "Length", "Attention heads", "Output width").
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case attentionRows[row]:
				s = attentionRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Left)
			}
			return s.Align(lipgloss.Right)
		})
	for row, level := range levels {
		heads := "-"
		if level.Heads > 0 {
			heads = strconv.Itoa(level.Heads)
			attentionRows[row] = true
		}
		t.Row(
			strconv.Itoa(level.Index),
			strconv.Itoa(level.Width),
			humanize.Comma(int64(baseLength/max(1, level.LengthDivisor))),
			heads,
			strconv.Itoa(level.OutputWidth),
		)
	}
	return t.Render()
}

// modelSummary returns the number of parameters of the U-Net and the memory used by its weights.
func modelSummary(config *diffusion.Config) (string, error) {
	numParams, memory, err := config.Network.CountParameters(config.Backend, config.DType)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("U-Net: %s parameters, %s", humanize.Comma(int64(numParams)), humanize.Bytes(uint64(memory))), nil
}
