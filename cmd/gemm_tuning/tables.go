// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphjit/pkg/gpu/kernels"
	"github.com/gomlx/graphjit/pkg/gpu/tuning"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
)

func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				s = evenRowStyle
			default:
				s = oddRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			}
			return
		})
}

// filterEntries returns the entries whose solution is in solutions, or all of them if solutions is empty.
func filterEntries(entries []tuning.Entry, solutions []int) []tuning.Entry {
	if len(solutions) == 0 {
		return entries
	}
	var filtered []tuning.Entry
	for _, e := range entries {
		if slices.Contains(solutions, e.Solution) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

var listHeaders = []string{"#", "A", "B", "C", "Solution", "Tile", "Blocks", "Work"}

// entryRow describes the entry and the instance its solution selects.
func entryRow(index int, e tuning.Entry) []string {
	row := []string{strconv.Itoa(index)}
	for ii := range 3 {
		if ii < len(e.Inputs) {
			row = append(row, e.Inputs[ii].String())
		} else {
			row = append(row, "-")
		}
	}
	row = append(row, strconv.Itoa(e.Solution))

	p, err := kernels.NewGEMMProblem(e.Inputs)
	if err != nil {
		return append(row, "invalid shapes", "", "")
	}
	in, err := kernels.SelectInstance(e.Solution, p.Accepts)
	if err != nil {
		return append(row, fmt.Sprintf("no instance (of %d)", kernels.CountInstances(p.Accepts)), "", "")
	}
	flops := 2 * uint64(p.M) * uint64(p.N) * uint64(p.K)
	if !p.FoldBatch {
		flops *= uint64(p.Batch)
	}
	return append(row,
		fmt.Sprintf("%dx%dx%d", in.PerBlock(0), in.PerBlock(1), in.PerBlock(2)),
		humanize.Comma(int64(p.GridSize(in))),
		humanize.SIWithDigits(float64(flops), 1, "FLOP"))
}

func listTable(entries []tuning.Entry) *lgtable.Table {
	table := newTable().Headers(listHeaders...)
	for ii, e := range entries {
		table.Row(entryRow(ii, e)...)
	}
	return table
}

type failure struct {
	index int
	entry tuning.Entry
	err   error
}

func failuresTable(failures []failure) *lgtable.Table {
	table := newTable().Headers("#", "Shapes", "Solution", "Error")
	for _, f := range failures {
		shapes, _ := tuning.MarshalShapes(f.entry.Inputs)
		table.Row(strconv.Itoa(f.index), string(shapes), strconv.Itoa(f.entry.Solution), f.err.Error())
	}
	return table
}
