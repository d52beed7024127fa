// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/graphjit/pkg/core/shapes"
)

// Instruction is one node of a Module: an Operation applied to input instructions, producing a value of
// the given shape.
//
// Instructions are only changed through the editing methods of their Module.
type Instruction struct {
	id      int
	module  *Module
	op      Operation
	shape   shapes.Shape
	inputs  []*Instruction
	modules []*Module

	// outputs are the consumers of this instruction, unique and in the order they started consuming it.
	outputs []*Instruction
}

// ID is unique within the Program.
func (ins *Instruction) ID() int { return ins.id }

// Op returns the operation of the instruction.
func (ins *Instruction) Op() Operation { return ins.op }

// Name of the operation.
func (ins *Instruction) Name() string { return ins.op.Name() }

// Shape returns the output shape. It is invalid for the return instruction.
func (ins *Instruction) Shape() shapes.Shape { return ins.shape }

// Module owning the instruction, or nil if it was removed.
func (ins *Instruction) Module() *Module { return ins.module }

// Inputs returns a copy of the list of inputs.
func (ins *Instruction) Inputs() []*Instruction { return slices.Clone(ins.inputs) }

// Input returns the i-th input.
func (ins *Instruction) Input(i int) *Instruction { return ins.inputs[i] }

// NumInputs returns the number of inputs.
func (ins *Instruction) NumInputs() int { return len(ins.inputs) }

// Modules returns a copy of the list of submodules attached to the instruction.
func (ins *Instruction) Modules() []*Module { return slices.Clone(ins.modules) }

// Outputs returns a copy of the list of consumers of this instruction.
func (ins *Instruction) Outputs() []*Instruction { return slices.Clone(ins.outputs) }

// NumOutputs returns the number of (unique) consumers.
func (ins *Instruction) NumOutputs() int { return len(ins.outputs) }

// IsParameter returns whether the instruction is a module parameter.
func (ins *Instruction) IsParameter() bool { return ins.op.Name() == ParameterOpName }

// ParameterName returns the name of a parameter instruction, or "" for any other instruction.
func (ins *Instruction) ParameterName() string {
	if param, ok := ins.op.(ParameterOp); ok {
		return param.ParameterName
	}
	return ""
}

// IsReturn returns whether this is the terminal instruction of its module.
func (ins *Instruction) IsReturn() bool { return ins.op.Name() == ReturnOpName }

// ArgIndex returns the position of input among the inputs of ins, or -1 if it is not an input.
func (ins *Instruction) ArgIndex(input *Instruction) int {
	return slices.Index(ins.inputs, input)
}

// String prints the instruction with ids, e.g. `%7 = add(%3, %5) -> (Float32)[2 3]`.
// Module.String prints positions instead, which are stable across structurally equal programs.
func (ins *Instruction) String() string {
	return ins.format(func(input *Instruction) string { return fmt.Sprintf("%%%d", input.id) })
}

func (ins *Instruction) format(ref func(*Instruction) string) string {
	var sb strings.Builder
	sb.WriteString(OpString(ins.op))
	sb.WriteString("(")
	for ii, input := range ins.inputs {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(ref(input))
	}
	sb.WriteString(")")
	if len(ins.modules) > 0 {
		names := make([]string, len(ins.modules))
		for ii, m := range ins.modules {
			names[ii] = m.name
		}
		fmt.Fprintf(&sb, " [%s]", strings.Join(names, ", "))
	}
	if !ins.IsReturn() {
		fmt.Fprintf(&sb, " -> %s", ins.shape)
	}
	return sb.String()
}

func (ins *Instruction) addOutput(consumer *Instruction) {
	if !slices.Contains(ins.outputs, consumer) {
		ins.outputs = append(ins.outputs, consumer)
	}
}

func (ins *Instruction) removeOutput(consumer *Instruction) {
	ins.outputs = slices.DeleteFunc(ins.outputs, func(o *Instruction) bool { return o == consumer })
}
