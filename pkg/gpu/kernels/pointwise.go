// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"context"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/ops"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/graphjit/pkg/gpu/compiler"
	"github.com/gomlx/graphjit/pkg/gpu/jit"
	"github.com/gomlx/graphjit/pkg/support/xslices"
)

var pointwiseTemplate = jit.ParseTemplate("pointwise", `#include <graphjit/kernels/index.hpp>
#include <graphjit/kernels/pointwise.hpp>
#include <args.hpp>

namespace graphjit {

{{.preamble}}

extern "C" {

__global__ void {{.kernel}}({{.params}})
{
    auto idx = make_index();
    pointwise(idx, GRAPHJIT_LIFT({{.function}}))({{.args}});
}

}

} // namespace graphjit
`)

const (
	pointwiseFunctionName = "pointwise_function"

	// defaultLocal is the work-group size of the elementwise kernels.
	defaultLocal = 1024
)

// PointwiseCompiler compiles pointwise instructions: their module becomes a device function applied to
// every element.
type PointwiseCompiler struct{}

func (PointwiseCompiler) Names() []string { return []string{ops.PointwiseName} }

// CompileOp requires the "preamble" with the definition of the pointwise function.
func (PointwiseCompiler) CompileOp(ctx context.Context, c *compiler.Context, inputs []shapes.Shape, config ir.Map) (ir.Operation, error) {
	if len(inputs) < 2 {
		return nil, errs.Configurationf("pointwise kernel requires at least one input and the output, got %d shapes", len(inputs))
	}
	preamble := stringConfig(config, ConfigPreamble, "")
	if preamble == "" {
		return nil, errs.Configurationf("pointwise kernel requires a %q with the pointwise function", ConfigPreamble)
	}
	output := xslices.Last(inputs)
	opts := jit.Options{
		Inputs:     inputs[:len(inputs)-1],
		Output:     output,
		KernelName: stringConfig(config, ConfigKernel, "pointwise_kernel"),
	}
	opts.SetLaunchParams(config, c.ComputeGlobal(output.Size(), 256), defaultLocal)
	src, err := jit.Render(pointwiseTemplate, map[string]any{
		"preamble": preamble,
		"kernel":   opts.KernelName,
		"function": stringConfig(config, "function", pointwiseFunctionName),
		"params":   jit.EnumParams(len(inputs), "void * private_p"),
		"args":     jit.EnumParams(len(inputs), "private_p"),
	})
	if err != nil {
		return nil, err
	}
	return compileCodeObject(ctx, c, src, opts)
}

func (p PointwiseCompiler) Compile(ctx context.Context, c *compiler.Context, ins *ir.Instruction, _ ir.Operation, _ ir.Value) (compiler.Replacement, error) {
	modules := ins.Modules()
	if len(modules) != 1 {
		return compiler.Replacement{}, errs.Configurationf("pointwise instruction %s must have one module, got %d", ins, len(modules))
	}
	fn, err := jit.GeneratePointwise(modules[0], pointwiseFunctionName)
	if err != nil {
		return compiler.Replacement{}, err
	}
	config := ir.Map{
		ConfigPreamble: ir.String(fn),
		ConfigKernel:   ir.String(jit.GenerateNameFromOps(modules[0]) + "_kernel"),
	}
	co, err := p.CompileOp(ctx, c, compiler.ArgumentShapes(ins), config)
	if err != nil {
		return compiler.Replacement{}, err
	}
	return compiler.Replacement{CodeObject: co}, nil
}
