// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package passes runs graph transformation passes over the modules of a program.
//
// A Pass is applied once per module, with a ModulePassManager giving it access to the module being
// transformed and to the program (to create new modules). Run applies a list of passes in order,
// validating the program after each pass returns.
package passes

import (
	"time"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pass transforms one module at a time.
type Pass interface {
	// Name of the pass, used in logs and error messages.
	Name() string

	// Apply transforms mpm.Module(). It may create new modules in the program.
	Apply(mpm *ModulePassManager) error
}

// ModulePassManager is given to a Pass during Apply.
type ModulePassManager struct {
	program *ir.Program
	module  *ir.Module
}

// NewModulePassManager returns the manager for module. Run creates these, it is exported for tests and
// for passes that need to run other passes on modules they create.
func NewModulePassManager(module *ir.Module) *ModulePassManager {
	return &ModulePassManager{program: module.Program(), module: module}
}

// Module being transformed.
func (mpm *ModulePassManager) Module() *ir.Module { return mpm.module }

// Program owning the module.
func (mpm *ModulePassManager) Program() *ir.Program { return mpm.program }

// CreateModule creates a new module in the program, a clone of copyOf if it is not nil.
func (mpm *ModulePassManager) CreateModule(name string, copyOf *ir.Module) (*ir.Module, error) {
	return mpm.program.CreateModule(name, copyOf)
}

// GetModule returns the module with the given name, or nil.
func (mpm *ModulePassManager) GetModule(name string) *ir.Module {
	return mpm.program.Module(name)
}

// PassFunc adapts a function to a Pass.
type PassFunc struct {
	PassName string
	Fn       func(mpm *ModulePassManager) error
}

func (p PassFunc) Name() string                       { return p.PassName }
func (p PassFunc) Apply(mpm *ModulePassManager) error { return p.Fn(mpm) }

// Run applies the passes in order. Each pass is applied to every module that is not marked as bypass,
// taking a snapshot of the modules when the pass starts: modules created by the pass are not visited by
// it. Sub-modules are visited before the main module, which is always last.
//
// After each pass the program is validated. Errors are returned annotated with the pass and module
// names, and the remaining passes are not run.
func Run(program *ir.Program, passes ...Pass) error {
	for _, pass := range passes {
		start := time.Now()
		for _, module := range moduleOrder(program) {
			if program.Module(module.Name()) != module {
				// Removed while the pass ran on an earlier module.
				continue
			}
			if err := applyPass(pass, module); err != nil {
				return err
			}
		}
		if err := program.Validate(); err != nil {
			return errs.Mark(errs.ErrInvariant, err, "after pass %s", pass.Name())
		}
		klog.V(1).Infof("passes: %s took %s", pass.Name(), time.Since(start))
		if klog.V(3).Enabled() {
			klog.Infof("passes: program after %s:\n%s", pass.Name(), program)
		}
	}
	return nil
}

func applyPass(pass Pass, module *ir.Module) error {
	if err := pass.Apply(NewModulePassManager(module)); err != nil {
		return errors.WithMessagef(err, "pass %s on module %q", pass.Name(), module.Name())
	}
	return nil
}

// moduleOrder returns the non-bypass modules, main last.
func moduleOrder(program *ir.Program) []*ir.Module {
	main := program.Main()
	var order []*ir.Module
	for _, m := range program.Modules() {
		if m == main || m.Bypass() {
			continue
		}
		order = append(order, m)
	}
	return append(order, main)
}
