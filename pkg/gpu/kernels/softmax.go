// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"context"
	"strconv"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/ops"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/graphjit/pkg/gpu/compiler"
	"github.com/gomlx/graphjit/pkg/gpu/jit"
	"github.com/gomlx/graphjit/pkg/support/xslices"
)

var softmaxTemplate = jit.ParseTemplate("softmax", `#include <graphjit/kernels/index.hpp>
#include <graphjit/kernels/softmax.hpp>
#include <args.hpp>

namespace graphjit {

extern "C" {

__global__ void softmax_kernel(void* input_p, void* output_p)
{
    make_tensors()(input_p, output_p)([](auto input, auto output) {
        softmax<{{.axis}}>(input, output);
    });
}

}

} // namespace graphjit
`)

// ComputeBlockSize returns the largest power of two, between 64 and maxBlockSize, that is no larger
// than n (or 64 for smaller n).
func ComputeBlockSize(n, maxBlockSize int) int {
	blockSize := 128
	for blockSize <= maxBlockSize && blockSize <= n {
		blockSize *= 2
	}
	return blockSize / 2
}

// SoftmaxCompiler compiles softmax instructions. A work-group reduces each slice along the axis.
type SoftmaxCompiler struct{}

func (SoftmaxCompiler) Names() []string { return []string{ops.SoftmaxName} }

func (SoftmaxCompiler) CompileOp(ctx context.Context, c *compiler.Context, inputs []shapes.Shape, config ir.Map) (ir.Operation, error) {
	if len(inputs) != 2 {
		return nil, errs.Configurationf("softmax kernel requires the input and output shapes, got %d shapes", len(inputs))
	}
	axis, found := config.GetInt("axis")
	if !found {
		return nil, errs.Configurationf("softmax kernel requires an axis")
	}
	axis, err := ops.Softmax{Axis: axis}.NormalizedAxis(inputs[0].Rank())
	if err != nil {
		return nil, errs.Mark(errs.ErrConfiguration, err, "softmax kernel")
	}
	output := xslices.Last(inputs)
	blockSize := ComputeBlockSize(inputs[0].Dimensions[axis], 256)
	opts := jit.Options{Inputs: inputs[:1], Output: output, KernelName: "softmax_kernel"}
	opts.SetLaunchParams(config, c.ComputeGlobal(output.Size(), blockSize), 256)
	src, err := jit.Render(softmaxTemplate, map[string]any{"axis": strconv.Itoa(axis)})
	if err != nil {
		return nil, err
	}
	return compileCodeObject(ctx, c, src, opts)
}

func (s SoftmaxCompiler) Compile(ctx context.Context, c *compiler.Context, ins *ir.Instruction, op ir.Operation, _ ir.Value) (compiler.Replacement, error) {
	co, err := s.CompileOp(ctx, c, compiler.ArgumentShapes(ins), ir.ToValue(op))
	if err != nil {
		return compiler.Replacement{}, err
	}
	return compiler.Replacement{CodeObject: co}, nil
}
