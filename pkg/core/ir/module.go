// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/graphjit/pkg/support/sets"
)

// Module owns an ordered list of instructions forming one scope: the main program or a fused region.
//
// Invariants, checked by Validate:
//
//   - Every input of the instruction at position i is either at a position < i in the same module,
//     or belongs to an ancestor module (see Parent).
//   - Consumer lists (Instruction.Outputs) mirror the input edges.
//   - If present, the return instruction is the last one.
//
// Parameters are kept at the front of the list, in the order they were added.
type Module struct {
	name         string
	program      *Program
	parent       *Module
	instructions []*Instruction
	bypass       bool
}

// Name of the module, unique within the Program.
func (m *Module) Name() string { return m.name }

// Program owning the module.
func (m *Module) Program() *Program { return m.program }

// Parent returns the enclosing module whose instructions may be used as inputs, or nil.
func (m *Module) Parent() *Module { return m.parent }

// Bypass returns whether the pass manager skips this module. Fused regions are marked as bypass: they
// are only meaningful as part of the instruction using them.
func (m *Module) Bypass() bool { return m.bypass }

// SetBypass sets the module to be skipped by the pass manager.
func (m *Module) SetBypass(bypass bool) { m.bypass = bypass }

// Len returns the number of instructions.
func (m *Module) Len() int { return len(m.instructions) }

// Instructions returns a copy of the list of instructions, in order.
func (m *Module) Instructions() []*Instruction { return slices.Clone(m.instructions) }

// IndexOf returns the position of ins in the module, or -1 if it is not part of it.
func (m *Module) IndexOf(ins *Instruction) int {
	if ins == nil || ins.module != m {
		return -1
	}
	return slices.Index(m.instructions, ins)
}

// Parameters returns the parameter instructions in declaration order.
func (m *Module) Parameters() []*Instruction {
	var params []*Instruction
	for _, ins := range m.instructions {
		if ins.IsParameter() {
			params = append(params, ins)
		}
	}
	return params
}

// ParameterNames returns the names of the parameters in declaration order.
func (m *Module) ParameterNames() []string {
	params := m.Parameters()
	names := make([]string, len(params))
	for ii, param := range params {
		names[ii] = param.ParameterName()
	}
	return names
}

// SortedParameterNames returns the names of the parameters sorted. This is the order in which the inputs of
// an instruction are bound to the parameters of its fused submodules.
func (m *Module) SortedParameterNames() []string {
	names := m.ParameterNames()
	slices.Sort(names)
	return names
}

// SortedParameterShapes returns the shapes of the parameters, in the order of SortedParameterNames.
func (m *Module) SortedParameterShapes() []shapes.Shape {
	names := m.SortedParameterNames()
	result := make([]shapes.Shape, len(names))
	for ii, name := range names {
		result[ii] = m.Parameter(name).Shape()
	}
	return result
}

// Parameter returns the parameter with the given name, or nil.
func (m *Module) Parameter(name string) *Instruction {
	for _, ins := range m.instructions {
		if ins.IsParameter() && ins.ParameterName() == name {
			return ins
		}
	}
	return nil
}

// Return returns the return instruction, or nil if the module has none yet.
func (m *Module) Return() *Instruction {
	if len(m.instructions) == 0 {
		return nil
	}
	last := m.instructions[len(m.instructions)-1]
	if last.IsReturn() {
		return last
	}
	return nil
}

// Results returns the instructions the module returns: the inputs to the return instruction, or the
// last instruction if there is no return.
func (m *Module) Results() []*Instruction {
	if ret := m.Return(); ret != nil {
		return ret.Inputs()
	}
	if len(m.instructions) == 0 {
		return nil
	}
	return []*Instruction{m.instructions[len(m.instructions)-1]}
}

// OutputShapes returns the shapes of Results.
func (m *Module) OutputShapes() []shapes.Shape {
	results := m.Results()
	outputShapes := make([]shapes.Shape, len(results))
	for ii, result := range results {
		outputShapes[ii] = result.Shape()
	}
	return outputShapes
}

// AddParameter adds a named placeholder. Parameter names must be unique within the module.
func (m *Module) AddParameter(name string, shape shapes.Shape) (*Instruction, error) {
	if m.Parameter(name) != nil {
		return nil, errs.Invariantf("module %q already has a parameter named %q", m.name, name)
	}
	if !shape.Ok() {
		return nil, errs.Shapef("parameter %q of module %q has an invalid shape", name, m.name)
	}
	pos := 0
	for pos < len(m.instructions) && m.instructions[pos].IsParameter() {
		pos++
	}
	ins, err := m.newInstruction(ParameterOp{ParameterName: name, Shape: shape}, nil, nil, pos)
	if err != nil {
		return nil, err
	}
	m.insertAt(pos, ins)
	return ins, nil
}

// AddLiteral adds a constant.
func (m *Module) AddLiteral(shape shapes.Shape, value Value) (*Instruction, error) {
	return m.AddInstruction(LiteralOp{Shape: shape, Value: value}, nil)
}

// AddInstruction appends a new instruction, before the return instruction if there is one.
//
// The output shape is computed by the operation: if it rejects the inputs an ErrShape is returned
// and the module is not changed.
func (m *Module) AddInstruction(op Operation, inputs []*Instruction, modules ...*Module) (*Instruction, error) {
	pos := len(m.instructions)
	if m.Return() != nil {
		pos--
	}
	ins, err := m.newInstruction(op, inputs, modules, pos)
	if err != nil {
		return nil, err
	}
	m.insertAt(pos, ins)
	return ins, nil
}

// InsertInstruction adds a new instruction just before the instruction `before`.
func (m *Module) InsertInstruction(before *Instruction, op Operation, inputs []*Instruction, modules ...*Module) (*Instruction, error) {
	pos := m.IndexOf(before)
	if pos < 0 {
		return nil, errs.Invariantf("InsertInstruction(%s): insertion point is not part of module %q", op.Name(), m.name)
	}
	ins, err := m.newInstruction(op, inputs, modules, pos)
	if err != nil {
		return nil, err
	}
	m.insertAt(pos, ins)
	return ins, nil
}

// AddReturn terminates the module returning the given results.
func (m *Module) AddReturn(results ...*Instruction) (*Instruction, error) {
	if m.Return() != nil {
		return nil, errs.Invariantf("module %q already has a return instruction", m.name)
	}
	pos := len(m.instructions)
	ins, err := m.newInstruction(ReturnOp{}, results, nil, pos)
	if err != nil {
		return nil, err
	}
	m.insertAt(pos, ins)
	return ins, nil
}

// ReplaceInstruction creates a new instruction at the position of old, moves every consumer of old to
// it and removes old. The inputs of old are left in place even if they become dead.
//
// The new shape is computed before anything is changed, and it must be equal to the shape of old,
// otherwise an ErrShape is returned and the module is unchanged.
func (m *Module) ReplaceInstruction(old *Instruction, op Operation, inputs []*Instruction, modules ...*Module) (*Instruction, error) {
	pos := m.IndexOf(old)
	if pos < 0 {
		return nil, errs.Invariantf("ReplaceInstruction(%s): instruction %s is not part of module %q", op.Name(), old, m.name)
	}
	if old.IsReturn() {
		return nil, errs.Invariantf("ReplaceInstruction(%s): cannot replace the return instruction of module %q", op.Name(), m.name)
	}
	if slices.Contains(inputs, old) {
		return nil, errs.Invariantf("ReplaceInstruction(%s): replacement of %s cannot consume it", op.Name(), old)
	}
	ins, err := m.newInstruction(op, inputs, modules, pos)
	if err != nil {
		return nil, err
	}
	if !ins.shape.Equal(old.shape) {
		return nil, errs.Shapef("ReplaceInstruction(%s): new shape %s differs from replaced shape %s", op.Name(), ins.shape, old.shape)
	}
	m.insertAt(pos, ins)
	m.moveConsumers(old, ins)
	if err := m.RemoveInstruction(old); err != nil {
		return nil, err
	}
	return ins, nil
}

// ReplaceAllUsesWith moves every consumer of old to replacement, which must have the same shape and come
// before every consumer.
func (m *Module) ReplaceAllUsesWith(old, replacement *Instruction) error {
	if old == replacement {
		return nil
	}
	if m.IndexOf(old) < 0 {
		return errs.Invariantf("ReplaceAllUsesWith: %s is not part of module %q", old, m.name)
	}
	if replacement.module == nil {
		return errs.Invariantf("ReplaceAllUsesWith: replacement %s was removed", replacement)
	}
	if !old.shape.Equal(replacement.shape) {
		return errs.Shapef("ReplaceAllUsesWith: shape %s of %s differs from replacement shape %s", old.shape, old, replacement.shape)
	}
	if replacement.module == m {
		repPos := m.IndexOf(replacement)
		for _, consumer := range old.outputs {
			if consumer.module == m && m.IndexOf(consumer) <= repPos {
				return errs.Invariantf("ReplaceAllUsesWith: replacement %s must come before consumer %s", replacement, consumer)
			}
		}
	}
	m.moveConsumers(old, replacement)
	return nil
}

// RemoveInstruction removes an instruction that has no consumers. It returns an ErrInvariant, leaving
// the module unchanged, if ins still has consumers.
func (m *Module) RemoveInstruction(ins *Instruction) error {
	pos := m.IndexOf(ins)
	if pos < 0 {
		return errs.Invariantf("RemoveInstruction: %s is not part of module %q", ins, m.name)
	}
	if len(ins.outputs) > 0 {
		return errs.Invariantf("RemoveInstruction: %s still has %d consumers", ins, len(ins.outputs))
	}
	for _, input := range ins.inputs {
		input.removeOutput(ins)
	}
	m.instructions = slices.Delete(m.instructions, pos, pos+1)
	ins.module = nil
	return nil
}

// AddInstructions inlines the body of src into m, before the return instruction of m if there is one.
// mapping must map every parameter of src to an instruction usable in m. It returns the instructions
// of m corresponding to the results of src.
func (m *Module) AddInstructions(src *Module, mapping map[*Instruction]*Instruction) ([]*Instruction, error) {
	local := make(map[*Instruction]*Instruction, len(src.instructions))
	for _, ins := range src.instructions {
		if ins.IsReturn() {
			continue
		}
		if ins.IsParameter() {
			target, found := mapping[ins]
			if !found {
				return nil, errs.Invariantf("AddInstructions(%q): parameter %q is not mapped", src.name, ins.ParameterName())
			}
			local[ins] = target
			continue
		}
		inputs := make([]*Instruction, len(ins.inputs))
		for ii, input := range ins.inputs {
			if mapped, found := local[input]; found {
				inputs[ii] = mapped
			} else {
				inputs[ii] = input
			}
		}
		newIns, err := m.AddInstruction(ins.op, inputs, ins.modules...)
		if err != nil {
			return nil, err
		}
		local[ins] = newIns
	}
	results := src.Results()
	for ii, result := range results {
		if mapped, found := local[result]; found {
			results[ii] = mapped
		}
	}
	return results, nil
}

// newInstruction checks the inputs and computes the shape of a new instruction to be inserted at pos.
// It doesn't change the module.
func (m *Module) newInstruction(op Operation, inputs []*Instruction, modules []*Module, pos int) (*Instruction, error) {
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		if input == nil || input.module == nil {
			return nil, errs.Invariantf("%s: input #%d is nil or was removed", op.Name(), ii)
		}
		if input.IsReturn() {
			return nil, errs.Invariantf("%s: input #%d is a return instruction", op.Name(), ii)
		}
		if input.module == m {
			if m.IndexOf(input) >= pos {
				return nil, errs.Invariantf("%s: input #%d (%s) would not come before its consumer", op.Name(), ii, input)
			}
		} else if !m.hasAncestor(input.module) {
			return nil, errs.Invariantf("%s: input #%d (%s) belongs to module %q, not visible from %q",
				op.Name(), ii, input, input.module.name, m.name)
		}
		inputShapes[ii] = input.shape
	}
	for ii, sub := range modules {
		if sub == nil || sub.program != m.program {
			return nil, errs.Invariantf("%s: submodule #%d doesn't belong to the program", op.Name(), ii)
		}
	}
	shape, err := op.ComputeShape(inputShapes, modules)
	if err != nil {
		return nil, errs.Mark(errs.ErrShape, err, "%s", op.Name())
	}
	return &Instruction{
		id:      m.program.newID(),
		module:  m,
		op:      op,
		shape:   shape,
		inputs:  slices.Clone(inputs),
		modules: slices.Clone(modules),
	}, nil
}

func (m *Module) insertAt(pos int, ins *Instruction) {
	m.instructions = slices.Insert(m.instructions, pos, ins)
	for _, input := range ins.inputs {
		input.addOutput(ins)
	}
}

// moveConsumers rewires every consumer of old to use replacement.
func (m *Module) moveConsumers(old, replacement *Instruction) {
	for _, consumer := range old.outputs {
		for ii, input := range consumer.inputs {
			if input == old {
				consumer.inputs[ii] = replacement
			}
		}
		replacement.addOutput(consumer)
	}
	old.outputs = nil
}

// detach unlinks the instructions of a module being dropped from the program, so that they don't
// linger as consumers of instructions in other modules.
func (m *Module) detach() {
	for _, ins := range m.instructions {
		for _, input := range ins.inputs {
			if input.module != m {
				input.removeOutput(ins)
			}
		}
		ins.module = nil
	}
	m.instructions = nil
}

func (m *Module) hasAncestor(other *Module) bool {
	for p := m.parent; p != nil; p = p.parent {
		if p == other {
			return true
		}
	}
	return false
}

// cloneInto copies the instructions of m into the empty module dst. Inputs from ancestor modules are
// shared, parameter names are preserved.
func (m *Module) cloneInto(dst *Module) {
	mapping := make(map[*Instruction]*Instruction, len(m.instructions))
	for _, ins := range m.instructions {
		newIns := &Instruction{
			id:      dst.program.newID(),
			module:  dst,
			op:      ins.op,
			shape:   ins.shape.Clone(),
			inputs:  make([]*Instruction, len(ins.inputs)),
			modules: slices.Clone(ins.modules),
		}
		for ii, input := range ins.inputs {
			if mapped, found := mapping[input]; found {
				newIns.inputs[ii] = mapped
			} else {
				newIns.inputs[ii] = input
			}
		}
		mapping[ins] = newIns
		dst.insertAt(len(dst.instructions), newIns)
	}
	dst.bypass = m.bypass
}

// Validate checks the module invariants. It returns an ErrInvariant describing the first violation found.
func (m *Module) Validate() error {
	positions := make(map[*Instruction]int, len(m.instructions))
	paramNames := sets.Make[string]()
	for pos, ins := range m.instructions {
		if ins.module != m {
			return errs.Invariantf("module %q: instruction #%d (%s) is owned by another module", m.name, pos, ins)
		}
		if ins.IsReturn() && pos != len(m.instructions)-1 {
			return errs.Invariantf("module %q: return instruction at #%d is not the last one", m.name, pos)
		}
		if ins.IsParameter() {
			if paramNames.Has(ins.ParameterName()) {
				return errs.Invariantf("module %q: duplicate parameter %q", m.name, ins.ParameterName())
			}
			paramNames.Insert(ins.ParameterName())
		}
		for ii, input := range ins.inputs {
			if input.module == nil {
				return errs.Invariantf("module %q: input #%d of #%d (%s) was removed", m.name, ii, pos, ins)
			}
			if input.module == m {
				if inputPos, found := positions[input]; !found || inputPos >= pos {
					return errs.Invariantf("module %q: input #%d of #%d (%s) does not come before it", m.name, ii, pos, ins)
				}
			} else if !m.hasAncestor(input.module) {
				return errs.Invariantf("module %q: input #%d of #%d (%s) is not visible", m.name, ii, pos, ins)
			}
			if !slices.Contains(input.outputs, ins) {
				return errs.Invariantf("module %q: #%d (%s) is missing from the consumers of its input #%d", m.name, pos, ins, ii)
			}
		}
		for _, consumer := range ins.outputs {
			if consumer.module == nil || !slices.Contains(consumer.inputs, ins) {
				return errs.Invariantf("module %q: #%d (%s) lists %s as consumer, but it is not", m.name, pos, ins, consumer)
			}
		}
		positions[ins] = pos
	}
	return nil
}

// String prints the module referring to inputs by their positions.
func (m *Module) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "module %q", m.name)
	if m.bypass {
		sb.WriteString(" (bypass)")
	}
	sb.WriteString(":\n")
	positions := make(map[*Instruction]int, len(m.instructions))
	for pos, ins := range m.instructions {
		positions[ins] = pos
	}
	ref := func(input *Instruction) string {
		if pos, found := positions[input]; found {
			return fmt.Sprintf("#%d", pos)
		}
		if input.module != nil {
			return fmt.Sprintf("%s#%d", input.module.name, input.module.IndexOf(input))
		}
		return "<removed>"
	}
	for pos, ins := range m.instructions {
		fmt.Fprintf(&sb, "\t#%d\t%s\n", pos, ins.format(ref))
	}
	return sb.String()
}
