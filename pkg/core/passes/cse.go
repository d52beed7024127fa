// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"slices"

	"github.com/gomlx/graphjit/pkg/core/ir"
	"k8s.io/klog/v2"
)

// EliminateCommonSubexpression replaces instructions equal to an earlier one (same operation and
// attributes, same inputs, same submodules and same shape) by the earlier one. The duplicates are left
// dead, to be removed by DeadCodeElimination.
type EliminateCommonSubexpression struct{}

func (EliminateCommonSubexpression) Name() string { return "eliminate_common_subexpression" }

// dedupKey is used to index candidates: only instructions with the same key need to be compared.
type dedupKey struct {
	opName     string
	inputCount int
	firstInput *ir.Instruction // nil if there are no inputs.
}

func makeDedupKey(ins *ir.Instruction) dedupKey {
	key := dedupKey{opName: ins.Name(), inputCount: ins.NumInputs()}
	if key.inputCount > 0 {
		key.firstInput = ins.Input(0)
	}
	return key
}

func (EliminateCommonSubexpression) Apply(mpm *ModulePassManager) error {
	m := mpm.Module()
	index := make(map[dedupKey][]*ir.Instruction)
	var replaced int
	for _, ins := range m.Instructions() {
		if ins.IsParameter() || ins.IsReturn() {
			continue
		}
		key := makeDedupKey(ins)
		if duplicate := findDuplicate(index[key], ins); duplicate != nil {
			if ins.NumOutputs() > 0 {
				if err := m.ReplaceAllUsesWith(ins, duplicate); err != nil {
					return err
				}
				replaced++
			}
			continue
		}
		index[key] = append(index[key], ins)
	}
	if replaced > 0 {
		klog.V(2).Infof("cse: replaced %d instructions in module %q", replaced, m.Name())
	}
	return nil
}

// findDuplicate returns the first candidate equivalent to ins, or nil.
func findDuplicate(candidates []*ir.Instruction, ins *ir.Instruction) *ir.Instruction {
	for _, candidate := range candidates {
		if !slices.Equal(candidate.Inputs(), ins.Inputs()) || !slices.Equal(candidate.Modules(), ins.Modules()) {
			continue
		}
		if !candidate.Shape().Equal(ins.Shape()) {
			continue
		}
		if ir.OpEqual(candidate.Op(), ins.Op()) {
			return candidate
		}
	}
	return nil
}
