// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/ops"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/graphjit/pkg/gpu/compiler"
	"github.com/gomlx/graphjit/pkg/gpu/jit"
	"github.com/gomlx/graphjit/pkg/support/xslices"
)

var concatTemplate = jit.ParseTemplate("fused_concat", `#include <graphjit/kernels/concat.hpp>
#include <graphjit/kernels/pointwise.hpp>
#include <args.hpp>

namespace graphjit {

{{.preamble}}

extern "C" {

__global__ void {{.kernel}}({{.params}})
{
    transform_args(make_tensors(), rotate_last())({{.args}})([](auto y, {{.branch_params}}, auto... xs) {
        concat<{{.axis}}>({{.branch_args}})(GRAPHJIT_LIFT(concat_post), y, xs...);
    });
}

}

} // namespace graphjit
`)

// ConfigBranches holds the number of inputs of each branch of a fused concat.
const ConfigBranches = "branches"

// ConcatCompiler compiles fused_concat instructions: each branch module becomes a device function applied
// element by element to its inputs, and the post module is applied to the concatenated result.
type ConcatCompiler struct{}

func (ConcatCompiler) Names() []string { return []string{ops.FusedConcatName} }

// CompileOp requires the "axis", the "branches" input counts and a "preamble" defining the functions
// concat_branch<i> and concat_post.
func (ConcatCompiler) CompileOp(ctx context.Context, c *compiler.Context, inputs []shapes.Shape, config ir.Map) (ir.Operation, error) {
	if len(inputs) < 2 {
		return nil, errs.Configurationf("fused_concat kernel requires at least one input and the output, got %d shapes", len(inputs))
	}
	output := xslices.Last(inputs)
	axis, found := config.GetInt("axis")
	if !found {
		return nil, errs.Configurationf("fused_concat kernel requires an axis")
	}
	if axis < 0 {
		axis += output.Rank()
	}
	if axis < 0 || axis >= output.Rank() {
		return nil, errs.Configurationf("fused_concat axis %d out of bounds for output %s", axis, output)
	}
	branches, found := config.GetInts(ConfigBranches)
	if !found || len(branches) == 0 {
		return nil, errs.Configurationf("fused_concat kernel requires the number of inputs of each branch")
	}
	var branchParams, branchArgs []string
	next := 0
	for ii, numInputs := range branches {
		args := []string{fmt.Sprintf("GRAPHJIT_LIFT(concat_branch%d)", ii)}
		for range numInputs {
			name := fmt.Sprintf("x%d", next)
			branchParams = append(branchParams, "auto "+name)
			args = append(args, name)
			next++
		}
		branchArgs = append(branchArgs, "pack("+strings.Join(args, ", ")+")")
	}
	if next > len(inputs)-1 {
		return nil, errs.Configurationf("fused_concat branches take %d inputs, only %d given", next, len(inputs)-1)
	}

	opts := jit.Options{
		Inputs:     inputs[:len(inputs)-1],
		Output:     output,
		KernelName: stringConfig(config, ConfigKernel, "concat_kernel"),
	}
	opts.SetLaunchParams(config, c.ComputeGlobal(output.Size(), 256), defaultLocal)
	src, err := jit.Render(concatTemplate, map[string]any{
		"preamble":      stringConfig(config, ConfigPreamble, ""),
		"kernel":        opts.KernelName,
		"axis":          strconv.Itoa(axis),
		"params":        jit.EnumParams(len(inputs), "void * private_p"),
		"args":          jit.EnumParams(len(inputs), "private_p"),
		"branch_params": strings.Join(branchParams, ", "),
		"branch_args":   strings.Join(branchArgs, ", "),
	})
	if err != nil {
		return nil, err
	}
	return compileCodeObject(ctx, c, src, opts)
}

func (cc ConcatCompiler) Compile(ctx context.Context, c *compiler.Context, ins *ir.Instruction, op ir.Operation, _ ir.Value) (compiler.Replacement, error) {
	modules := ins.Modules()
	if len(modules) < 2 {
		return compiler.Replacement{}, errs.Configurationf("fused_concat instruction %s requires branch and post modules", ins)
	}
	branches, post := modules[:len(modules)-1], xslices.Last(modules)
	var preamble strings.Builder
	counts := make(ir.Ints, len(branches))
	for ii, branch := range branches {
		fn, err := jit.GeneratePointwise(branch, fmt.Sprintf("concat_branch%d", ii))
		if err != nil {
			return compiler.Replacement{}, err
		}
		preamble.WriteString(fn)
		counts[ii] = len(branch.ParameterNames())
	}
	fn, err := jit.GeneratePointwise(post, "concat_post")
	if err != nil {
		return compiler.Replacement{}, err
	}
	preamble.WriteString(fn)

	config := ir.ToValue(op)
	config[ConfigPreamble] = ir.String(preamble.String())
	config[ConfigBranches] = counts
	config[ConfigKernel] = ir.String("concat_" + jit.GenerateNameFromOps(post) + "_kernel")
	co, err := cc.CompileOp(ctx, c, compiler.ArgumentShapes(ins), config)
	if err != nil {
		return compiler.Replacement{}, err
	}
	return compiler.Replacement{CodeObject: co}, nil
}
