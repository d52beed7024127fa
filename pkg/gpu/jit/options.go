// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package jit generates device kernel sources and compiles them into code objects.
//
// A kernel compiler renders its source (see Render and GeneratePointwise), fills an Options with the launch
// parameters and the shapes of its arguments, and calls Cache.GetOrCompile, which invokes a Toolchain at
// most once per distinct source and options.
package jit

import (
	"fmt"
	"strings"

	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/graphjit/pkg/support/xslices"
)

// Options of a kernel compilation: launch parameters, argument shapes and compiler flags.
type Options struct {
	// Global and Local are the total number of work-items and the work-group size.
	Global, Local int

	// Inputs are the shapes of the kernel arguments, Output the shape of its result.
	Inputs []shapes.Shape
	Output shapes.Shape

	// VirtualInputs are the shapes the kernel sees its inputs as (e.g. with batch axes folded). If nil,
	// they are the same as Inputs.
	VirtualInputs []shapes.Shape

	// KernelName is the entry point symbol.
	KernelName string

	// Params are extra compiler flags, separated by spaces.
	Params string
}

// SetLaunchParams sets Global and Local, using the "global" and "local" entries of config instead when
// they are present.
func (o *Options) SetLaunchParams(config ir.Map, global, local int) {
	if v, ok := config.GetInt("global"); ok {
		global = v
	}
	if v, ok := config.GetInt("local"); ok {
		local = v
	}
	o.Global, o.Local = global, local
}

// Flags returns Params split in individual flags.
func (o *Options) Flags() []string {
	return strings.Fields(o.Params)
}

// Key returns a string that identifies the options, used with the source to key compiled code objects.
func (o *Options) Key() string {
	virtual := o.VirtualInputs
	if virtual == nil {
		virtual = o.Inputs
	}
	return fmt.Sprintf("kernel=%s global=%d local=%d inputs=[%s] virtual=[%s] output=%s params=%q",
		o.KernelName, o.Global, o.Local, shapesString(o.Inputs), shapesString(virtual), o.Output, o.Params)
}

func shapesString(values []shapes.Shape) string {
	return strings.Join(xslices.Map(values, shapes.Shape.String), ", ")
}
