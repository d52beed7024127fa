// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"k8s.io/klog/v2"
)

// DeadCodeElimination removes instructions whose results are not used.
//
// Parameters are kept, since they are part of the module signature, and so is the return instruction
// (or the last instruction, if the module has no return). On the main module it also removes the modules
// no longer reachable from it. Applying it twice is the same as applying it once.
type DeadCodeElimination struct{}

func (DeadCodeElimination) Name() string { return "dead_code_elimination" }

func (DeadCodeElimination) Apply(mpm *ModulePassManager) error {
	m := mpm.Module()
	instructions := m.Instructions()
	if len(instructions) == 0 {
		return nil
	}
	var removed int
	// Visiting in reverse order, consumers are removed before their inputs are checked.
	for ii := len(instructions) - 2; ii >= 0; ii-- {
		ins := instructions[ii]
		if ins.IsParameter() || ins.NumOutputs() > 0 {
			continue
		}
		if err := m.RemoveInstruction(ins); err != nil {
			return err
		}
		removed++
	}
	if removed > 0 {
		klog.V(2).Infof("dce: removed %d instructions from module %q", removed, m.Name())
	}
	if m == mpm.Program().Main() {
		if names := mpm.Program().RemoveUnusedModules(); len(names) > 0 {
			klog.V(2).Infof("dce: removed unused modules %v", names)
		}
	}
	return nil
}
