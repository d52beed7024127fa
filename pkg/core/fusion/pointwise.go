// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fusion implements the target independent fusion passes: FusePointwise, which gathers chains
// of elementwise operations into pointwise instructions, and FuseConcat, which fuses
// pointwise -> concat -> pointwise into one fused_concat instruction.
//
// The instructions feeding a fused one (the concat, the merged pointwise producers) are left dead, and
// the modules they used unreferenced, so both passes should be followed by passes.DeadCodeElimination.
package fusion

import (
	"fmt"
	"strconv"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/match"
	"github.com/gomlx/graphjit/pkg/core/ops"
	"github.com/gomlx/graphjit/pkg/core/passes"
	"github.com/gomlx/graphjit/pkg/core/shapes"
)

// PointwiseModulePrefix is the prefix of the names of the modules created by FusePointwise.
const PointwiseModulePrefix = "pointwise"

// FusePointwise wraps every elementwise operation in a "pointwise" instruction, whose bypass submodule
// applies the operation to scalar parameters, and merges a pointwise instruction into its consumer
// pointwise instruction when it has no other consumer.
type FusePointwise struct{}

func (FusePointwise) Name() string { return "fuse_pointwise" }

func (FusePointwise) Apply(mpm *passes.ModulePassManager) error {
	merge := match.NewRule("merge_pointwise",
		match.Name(ops.PointwiseName, match.AnyOf(match.Inputs,
			match.Bind("producer", match.Name(ops.PointwiseName, match.UsedOnce())))),
		mergePointwise)
	wrap := match.NewRule("wrap_elementwise",
		match.Pred("elementwise", func(ins *ir.Instruction) bool { return ops.IsElementwise(ins.Op()) }),
		wrapElementwise)
	return match.FindMatches(mpm.Module(), mpm, merge, wrap)
}

// parameterNames returns n parameter names that sort in the same order as their index.
func parameterNames(n int) []string {
	width := len(strconv.Itoa(max(n-1, 0)))
	names := make([]string, n)
	for ii := range names {
		names[ii] = fmt.Sprintf("x%0*d", width, ii)
	}
	return names
}

// newScalarModule creates a bypass module with one scalar parameter per input, with the input dtype.
func newScalarModule(mpm *passes.ModulePassManager, name string, inputs []*ir.Instruction) (*ir.Module, []*ir.Instruction, error) {
	m, err := mpm.CreateModule(name, nil)
	if err != nil {
		return nil, nil, err
	}
	m.SetBypass(true)
	params := make([]*ir.Instruction, len(inputs))
	for ii, paramName := range parameterNames(len(inputs)) {
		params[ii], err = m.AddParameter(paramName, scalarOf(inputs[ii]))
		if err != nil {
			return nil, nil, err
		}
	}
	return m, params, nil
}

// scalarOf returns the scalar shape with the dtype of ins.
func scalarOf(ins *ir.Instruction) shapes.Shape {
	return shapes.Scalar(ins.Shape().DType)
}

// bindParameters maps the parameters of m, in sorted name order, to values.
func bindParameters(m *ir.Module, values []*ir.Instruction) (map[*ir.Instruction]*ir.Instruction, error) {
	names := m.SortedParameterNames()
	if len(names) != len(values) {
		return nil, errs.Invariantf("module %q has %d parameters, but %d values were given", m.Name(), len(names), len(values))
	}
	mapping := make(map[*ir.Instruction]*ir.Instruction, len(names))
	for ii, name := range names {
		mapping[m.Parameter(name)] = values[ii]
	}
	return mapping, nil
}

// replaceWithFused replaces ins by op. If the replacement is rejected the modules created for it are removed.
func replaceWithFused(mpm *passes.ModulePassManager, ins *ir.Instruction, op ir.Operation, inputs []*ir.Instruction,
	modules []*ir.Module, created []*ir.Module) error {
	if _, err := mpm.Module().ReplaceInstruction(ins, op, inputs, modules...); err != nil {
		return discardModules(mpm, err, created)
	}
	return nil
}

// discardModules removes the modules created for a rewrite that could not be completed, and returns err.
func discardModules(mpm *passes.ModulePassManager, err error, created []*ir.Module) error {
	for ii := len(created) - 1; ii >= 0; ii-- {
		if removeErr := mpm.Program().RemoveModule(created[ii]); removeErr != nil {
			return removeErr
		}
	}
	return err
}

func wrapElementwise(mpm *passes.ModulePassManager, r match.Result) error {
	ins := r.Result
	inputs := ins.Inputs()
	name := mpm.Program().UniqueModuleName(PointwiseModulePrefix)
	m, params, err := newScalarModule(mpm, name, inputs)
	if err != nil {
		return err
	}
	result, err := m.AddInstruction(ins.Op(), params)
	if err == nil {
		_, err = m.AddReturn(result)
	}
	if err != nil {
		return discardModules(mpm, err, []*ir.Module{m})
	}
	return replaceWithFused(mpm, ins, ops.Pointwise{}, inputs, []*ir.Module{m}, []*ir.Module{m})
}

// mergePointwise inlines the producer pointwise into the consumer: the inputs of the merged instruction
// are the inputs of the consumer, with the producer replaced by its own inputs.
func mergePointwise(mpm *passes.ModulePassManager, r match.Result) error {
	consumer, producer := r.Result, r.Instructions["producer"]
	var inputs []*ir.Instruction
	producerStart := -1
	for _, input := range consumer.Inputs() {
		if input == producer {
			if producerStart < 0 {
				producerStart = len(inputs)
				inputs = append(inputs, producer.Inputs()...)
			}
			continue
		}
		inputs = append(inputs, input)
	}

	name := mpm.Program().UniqueModuleName(PointwiseModulePrefix)
	m, params, err := newScalarModule(mpm, name, inputs)
	if err != nil {
		return err
	}
	body := func() error {
		producerModule := producer.Modules()[0]
		mapping, err := bindParameters(producerModule, params[producerStart:producerStart+producer.NumInputs()])
		if err != nil {
			return err
		}
		producerResults, err := m.AddInstructions(producerModule, mapping)
		if err != nil {
			return err
		}
		if len(producerResults) != 1 {
			return errs.Invariantf("pointwise module %q returns %d values", producerModule.Name(), len(producerResults))
		}

		// Consumer values: the parameter of each input, or the inlined producer result.
		values := make([]*ir.Instruction, consumer.NumInputs())
		next := 0
		spliced := false
		for ii, input := range consumer.Inputs() {
			if input == producer {
				values[ii] = producerResults[0]
				if !spliced {
					next += producer.NumInputs()
					spliced = true
				}
				continue
			}
			values[ii] = params[next]
			next++
		}
		consumerModule := consumer.Modules()[0]
		mapping, err = bindParameters(consumerModule, values)
		if err != nil {
			return err
		}
		results, err := m.AddInstructions(consumerModule, mapping)
		if err != nil {
			return err
		}
		_, err = m.AddReturn(results...)
		return err
	}
	if err := body(); err != nil {
		return discardModules(mpm, err, []*ir.Module{m})
	}
	return replaceWithFused(mpm, consumer, ops.Pointwise{}, inputs, []*ir.Module{m}, []*ir.Module{m})
}
