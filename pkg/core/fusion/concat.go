// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"slices"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/match"
	"github.com/gomlx/graphjit/pkg/core/ops"
	"github.com/gomlx/graphjit/pkg/core/passes"
)

const (
	// CutParameterPrefix is prepended to the name of the post module parameter fed by the concatenation.
	// It sorts before any letter or digit, so the cut parameter is the first one in sorted order.
	CutParameterPrefix = "!"

	// IdentityModulePrefix prefixes the branch modules created for concat inputs that are not pointwise.
	IdentityModulePrefix = "concat"

	// IdentityParameterName is the name of the single parameter of identity branch modules.
	IdentityParameterName = "x"
)

// FuseConcat fuses a pointwise instruction consuming a concat, itself consuming at least one pointwise
// instruction, into a single fused_concat instruction. Both the concat and the pointwise inputs of the
// concat must have no other consumer.
//
// The fused_concat modules are one branch per concat input, followed by the post module:
//   - pointwise inputs contribute a clone of their module, named "concat:<module>";
//   - other inputs contribute an identity module "concat<N>", with the input itself as its only value;
//   - the post module "<module>:concat" is a clone of the consumer's module, with the parameter fed by
//     the concat renamed to "!<name>".
type FuseConcat struct{}

func (FuseConcat) Name() string { return "fuse_concat" }

// ConcatMatcher matches the pointwise instructions fused by FuseConcat, with the concat bound to "concat".
func ConcatMatcher() match.Matcher {
	concat := match.Name(ops.ConcatName,
		match.UsedOnce(),
		match.AnyOf(match.Inputs, match.Name(ops.PointwiseName, match.UsedOnce())))
	return match.Name(ops.PointwiseName, match.AnyOf(match.Inputs, match.Bind("concat", concat)))
}

func (FuseConcat) Apply(mpm *passes.ModulePassManager) error {
	rule := match.NewRule("pointwise_concat_pointwise", ConcatMatcher(), fuseConcat)
	return match.FindMatches(mpm.Module(), mpm, rule)
}

func fuseConcat(mpm *passes.ModulePassManager, r match.Result) error {
	ins, concatIns := r.Result, r.Instructions["concat"]
	concatArg := ins.ArgIndex(concatIns)
	concatOp, ok := concatIns.Op().(ops.Concat)
	if !ok {
		return errs.Unsupportedf("fuse_concat: unexpected concat operation %T", concatIns.Op())
	}
	axis := concatOp.Axis
	if axis < 0 {
		axis += concatIns.Shape().Rank()
	}

	// Flattened inputs: the inputs of each pointwise branch (or the branch value itself), followed by the
	// other inputs of ins.
	var inputs []*ir.Instruction
	for _, input := range concatIns.Inputs() {
		if input.Name() == ops.PointwiseName {
			inputs = append(inputs, input.Inputs()...)
		} else {
			inputs = append(inputs, input)
		}
	}
	for _, input := range ins.Inputs() {
		if input != concatIns {
			inputs = append(inputs, input)
		}
	}

	var created []*ir.Module
	build := func() error {
		for _, input := range concatIns.Inputs() {
			branch, err := branchModule(mpm, input)
			if err != nil {
				return err
			}
			created = append(created, branch)
		}
		post, err := postModule(mpm, ins.Modules()[0], concatArg)
		if err != nil {
			return err
		}
		created = append(created, post)
		return nil
	}
	if err := build(); err != nil {
		return discardModules(mpm, err, created)
	}
	return replaceWithFused(mpm, ins, ops.FusedConcat{Axis: axis}, inputs, slices.Clone(created), created)
}

// branchModule returns the module computing the concat input: a clone of the module of a pointwise
// input, or an identity module otherwise.
func branchModule(mpm *passes.ModulePassManager, input *ir.Instruction) (*ir.Module, error) {
	program := mpm.Program()
	if input.Name() == ops.PointwiseName {
		pm := input.Modules()[0]
		return mpm.CreateModule(availableName(program, "concat:"+pm.Name()), pm)
	}
	m, err := mpm.CreateModule(program.UniqueModuleName(IdentityModulePrefix), nil)
	if err != nil {
		return nil, err
	}
	build := func() error {
		m.SetBypass(true)
		x, err := m.AddParameter(IdentityParameterName, scalarOf(input))
		if err != nil {
			return err
		}
		id, err := m.AddInstruction(ops.Identity, []*ir.Instruction{x})
		if err != nil {
			return err
		}
		_, err = m.AddReturn(id)
		return err
	}
	if err := build(); err != nil {
		return nil, discardModules(mpm, err, []*ir.Module{m})
	}
	return m, nil
}

// postModule clones the module of the consumer, cutting the parameter at concatArg in sorted order.
func postModule(mpm *passes.ModulePassManager, pm *ir.Module, concatArg int) (*ir.Module, error) {
	program := mpm.Program()
	rm, err := mpm.CreateModule(availableName(program, pm.Name()+":concat"), pm)
	if err != nil {
		return nil, err
	}
	cut := func() error {
		names := rm.SortedParameterNames()
		if concatArg < 0 || concatArg >= len(names) {
			return errs.Invariantf("fuse_concat: module %q has %d parameters, concat is argument #%d",
				pm.Name(), len(names), concatArg)
		}
		concatParamName := names[concatArg]
		concatParam := rm.Parameter(concatParamName)
		param, err := rm.AddParameter(CutParameterPrefix+concatParamName, concatParam.Shape())
		if err != nil {
			return err
		}
		if err := rm.ReplaceAllUsesWith(concatParam, param); err != nil {
			return err
		}
		return rm.RemoveInstruction(concatParam)
	}
	if err := cut(); err != nil {
		return nil, discardModules(mpm, err, []*ir.Module{rm})
	}
	return rm, nil
}

// availableName returns name if no module uses it yet, or a unique name derived from it.
func availableName(program *ir.Program, name string) string {
	if program.Module(name) == nil {
		return name
	}
	return program.UniqueModuleName(name + ".")
}
