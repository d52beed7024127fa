// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"context"
	"strconv"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/graphjit/pkg/gpu/compiler"
	"github.com/gomlx/graphjit/pkg/gpu/gpuops"
	"github.com/gomlx/graphjit/pkg/gpu/jit"
	"github.com/gomlx/graphjit/pkg/gpu/tuning"
	"github.com/gomlx/graphjit/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GEMMProblem is the canonical description of a GEMM, derived from its argument shapes.
type GEMMProblem struct {
	// A, B and C (the output) shapes, and the D tensors consumed by a fused epilogue.
	A, B, C shapes.Shape
	Ds      []shapes.Shape

	TransA, TransB bool

	// Batch is the product of the batch axes of C.
	Batch int

	// FoldBatch is set when B is broadcast over the batch axes: the batch is then folded into M and a
	// single non-batched GEMM is computed.
	FoldBatch bool

	// M, N and K extents, after the eventual folding of the batch.
	M, N, K int
}

// NewGEMMProblem derives the problem from the shapes [A, B, Ds..., C].
func NewGEMMProblem(inputs []shapes.Shape) (*GEMMProblem, error) {
	if len(inputs) < 3 {
		return nil, errs.Configurationf("GEMM requires at least 3 shapes (A, B and C), got %d", len(inputs))
	}
	p := &GEMMProblem{A: inputs[0], B: inputs[1], C: xslices.Last(inputs), Ds: inputs[2 : len(inputs)-1]}
	rank := p.A.Rank()
	if rank < 2 || p.B.Rank() != rank || p.C.Rank() != rank {
		return nil, errs.Configurationf("GEMM requires matrices of the same rank >= 2, got A=%s, B=%s, C=%s", p.A, p.B, p.C)
	}
	if p.C.IsTransposed() {
		return nil, errs.Configurationf("GEMM with a transposed output %s is not supported", p.C)
	}
	p.TransA = tuning.Transposed(p.A)
	p.TransB = tuning.Transposed(p.B)
	p.FoldBatch = rank >= 3 && p.B.Strides[rank-3] == 0
	p.Batch = xslices.Product(p.C.Dimensions[:rank-2])
	p.M = p.C.Dimensions[rank-2]
	if p.FoldBatch {
		p.M *= p.Batch
	}
	p.N = p.C.Dimensions[rank-1]
	p.K = p.A.Dimensions[rank-1]
	return p, nil
}

// MNK returns the extents as an array.
func (p *GEMMProblem) MNK() [3]int { return [3]int{p.M, p.N, p.K} }

// TuningShapes are the shapes used as the key of the tuning table.
func (p *GEMMProblem) TuningShapes() []shapes.Shape { return []shapes.Shape{p.A, p.B, p.C} }

func layoutOf(s shapes.Shape) string {
	if tuning.Transposed(s) {
		return ColumnMajor
	}
	return RowMajor
}

// Accepts returns whether the instance layouts and types match the problem.
func (p *GEMMProblem) Accepts(in Instance) bool {
	aType, errA := CKType(p.A.DType)
	bType, errB := CKType(p.B.DType)
	cType, errC := CKType(p.C.DType)
	if errA != nil || errB != nil || errC != nil {
		return false
	}
	return in[ALayoutIndex] == layoutOf(p.A) && in[BLayoutIndex] == layoutOf(p.B) && in[ELayoutIndex] == layoutOf(p.C) &&
		in[ADataIndex] == aType && in[BDataIndex] == bType && in[EDataIndex] == cType
}

// Padding returns the GemmSpecialization needed: "MNPadding" if M or N are not multiples of the instance
// tiles, "Default" otherwise.
func (p *GEMMProblem) Padding(in Instance) string {
	pad := in.Pad(p.MNK())
	if pad[0] != 0 || pad[1] != 0 {
		return "MNPadding"
	}
	return "Default"
}

// BlocksPerBatch is the number of work-groups needed for each batch.
func (p *GEMMProblem) BlocksPerBatch(in Instance) int { return in.GridSize(p.MNK()) }

// GridSize is the total number of work-groups.
func (p *GEMMProblem) GridSize(in Instance) int {
	if p.FoldBatch {
		return p.BlocksPerBatch(in)
	}
	return p.Batch * p.BlocksPerBatch(in)
}

// VirtualInputs returns the argument shapes as seen by the kernel: with the batch folded into the rows
// of A and the Ds, and removed from B, when FoldBatch is set.
func (p *GEMMProblem) VirtualInputs() []shapes.Shape {
	inputs := append([]shapes.Shape{p.A, p.B}, p.Ds...)
	if !p.FoldBatch {
		return inputs
	}
	virtual := make([]shapes.Shape, len(inputs))
	virtual[0] = foldBatchDims(p.A)
	virtual[1] = removeBatchDims(p.B)
	for ii, d := range p.Ds {
		virtual[2+ii] = foldBatchDims(d)
	}
	return virtual
}

func foldBatchDims(s shapes.Shape) shapes.Shape {
	rank := s.Rank()
	if rank <= 2 {
		return s
	}
	batch := xslices.Product(s.Dimensions[:rank-2])
	m1, m2 := s.Dimensions[rank-2], s.Dimensions[rank-1]
	if tuning.Transposed(s) {
		return shapes.Make(s.DType, m1, m2*batch)
	}
	return shapes.Make(s.DType, m1*batch, m2)
}

func removeBatchDims(s shapes.Shape) shapes.Shape {
	rank := s.Rank()
	if rank <= 2 {
		return s
	}
	return shapes.Make(s.DType, s.Dimensions[rank-2], s.Dimensions[rank-1])
}

var gemmTemplate = jit.ParseTemplate("ck_gemm", `#include <args.hpp>
#include <graphjit/kernels/ck_gemm.hpp>
#include <graphjit/kernels/pointwise.hpp>

namespace graphjit {

template <ck::index_t... Is>
using S = ck::Sequence<Is...>;

{{.preamble}}

using gemm_instance = ck::tensor_operation::device::DeviceGemmMultipleD_Xdl_CShuffle<{{.instance}}>;

extern "C" {

__global__ void {{.kernel}}({{.params}})
{
    transform_args(make_tensors(), rotate_last())({{.args}})([](auto... xs) {
        ck_gemm<gemm_instance, {{.blocks_per_batch}}>(xs...);
    });
}

}

} // namespace graphjit
`)

// GEMMSourceOptions are the parts of the GEMM kernel source not derived from the problem.
type GEMMSourceOptions struct {
	// KernelName of the entry point.
	KernelName string

	// Preamble is device code inserted before the kernel, usually the fused epilogue function.
	Preamble string
}

// RenderGEMMSource returns the kernel source of the GEMM problem using the instance, which should already
// have its padding and D tensors set.
func RenderGEMMSource(p *GEMMProblem, in Instance, opts GEMMSourceOptions) (string, error) {
	if opts.KernelName == "" {
		return "", errs.Configurationf("GEMM kernel requires a name")
	}
	numArgs := len(p.Ds) + 3
	return jit.Render(gemmTemplate, map[string]any{
		"instance":         in.String(),
		"padding":          p.Padding(in),
		"params":           jit.EnumParams(numArgs, "void * private_p"),
		"args":             jit.EnumParams(numArgs, "private_p"),
		"blocks_per_batch": strconv.Itoa(p.BlocksPerBatch(in)),
		"preamble":         opts.Preamble,
		"kernel":           opts.KernelName,
	})
}

// Configuration keys of the GEMM compiler.
const (
	ConfigKernel    = "kernel"
	ConfigPreamble  = "preamble"
	ConfigPost      = "post"
	ConfigTuningVal = "tuning_val"
	ConfigCheck     = "check"
)

const (
	defaultGEMMKernel = "ck_gemm_kernel"
	postFunctionName  = "post_ck_gemm_function"

	// CheckFlag enables the runtime checks of the GEMM kernels.
	CheckFlag = "-DGRAPHJIT_CK_CHECK=1"
)

// GEMMCompiler compiles gpu::ck_gemm instructions.
type GEMMCompiler struct{}

func (GEMMCompiler) Names() []string { return []string{"ck_gemm", gpuops.CKGemmName} }

// CompileOp compiles the GEMM for the shapes [A, B, Ds..., C].
func (GEMMCompiler) CompileOp(ctx context.Context, c *compiler.Context, inputs []shapes.Shape, config ir.Map) (ir.Operation, error) {
	p, err := NewGEMMProblem(inputs)
	if err != nil {
		return nil, err
	}
	solution, found := config.GetInt(ConfigTuningVal)
	if !found {
		r, err := c.Lookup(p.TuningShapes())
		if err != nil {
			return nil, err
		}
		solution = r.Solution
	}
	in, err := SelectInstance(solution, p.Accepts)
	if err != nil {
		return nil, errors.WithMessagef(err, "GEMM A=%s, B=%s, C=%s", p.A, p.B, p.C)
	}

	post, hasPost := config.Get(ConfigPost).(ir.String)
	if len(p.Ds) > 0 && !hasPost {
		return nil, errs.Configurationf("GEMM with %d D tensors requires a %q operation", len(p.Ds), ConfigPost)
	}
	if hasPost {
		layouts := xslices.Map(p.Ds, layoutOf)
		types := make([]string, len(p.Ds))
		for ii, d := range p.Ds {
			if types[ii], err = CKType(d.DType); err != nil {
				return nil, err
			}
		}
		in = in.WithDs(layouts, types, string(post))
	}
	in = in.WithGemmSpec(p.Padding(in))

	kernelName := stringConfig(config, ConfigKernel, defaultGEMMKernel)
	preamble := stringConfig(config, ConfigPreamble, "")
	src, err := RenderGEMMSource(p, in, GEMMSourceOptions{KernelName: kernelName, Preamble: preamble})
	if err != nil {
		return nil, err
	}

	opts := jit.Options{
		Inputs:        inputs[:len(inputs)-1],
		Output:        p.C,
		VirtualInputs: p.VirtualInputs(),
		KernelName:    kernelName,
	}
	blockSize := in.BlockSize()
	opts.SetLaunchParams(config, p.GridSize(in)*blockSize, blockSize)
	if check, _ := config.Get(ConfigCheck).(ir.Bool); check || c.Debug {
		opts.Params += " " + CheckFlag
	}
	return compileCodeObject(ctx, c, src, opts)
}

// Compile the instruction, with its fused epilogue if any. A non-nil solution is the instance index.
func (g GEMMCompiler) Compile(ctx context.Context, c *compiler.Context, ins *ir.Instruction, op ir.Operation, solution ir.Value) (compiler.Replacement, error) {
	config := ir.ToValue(op)
	config[ConfigKernel] = ir.String(defaultGEMMKernel)
	if pm := gpuops.PostModule(ins); pm != nil {
		fn, err := jit.GeneratePointwise(pm, postFunctionName)
		if err != nil {
			return compiler.Replacement{}, err
		}
		config[ConfigPreamble] = ir.String(fn + "\nGRAPHJIT_LIFT_CLASS(post_ck_gemm, " + postFunctionName + ");")
		config[ConfigPost] = ir.String("ck_function_adaptor<post_ck_gemm>")
		config[ConfigKernel] = ir.String("ck_gemm_" + jit.GenerateNameFromOps(pm) + "_kernel")
	}
	if solution != nil {
		index, ok := solution.(ir.Int)
		if !ok {
			return compiler.Replacement{}, errs.Configurationf("GEMM solution must be an instance index, got %s", solution)
		}
		config[ConfigTuningVal] = index
	}

	inputs := compiler.ArgumentShapes(ins)
	co, err := g.CompileOp(ctx, c, inputs, config)
	if err != nil {
		return compiler.Replacement{}, err
	}
	replacement := compiler.Replacement{CodeObject: co}
	if c.LogGEMM {
		replacement.ReplaceFn = func(r compiler.Replacement, m *ir.Module, ins *ir.Instruction) error {
			if encoded, err := tuning.MarshalShapes([]shapes.Shape{inputs[0], inputs[1], xslices.Last(inputs)}); err == nil {
				klog.Infof("ck_gemm: %s", encoded)
			}
			r.ReplaceFn = nil
			return r.Replace(m, ins)
		}
	}
	return replacement, nil
}

// TuningConfig returns, for exhaustive tuning, the instances matching the problem.
func (GEMMCompiler) TuningConfig(_ *compiler.Context, ins *ir.Instruction, _ ir.Operation, exhaustive bool) (compiler.TuningConfig, bool) {
	if !exhaustive {
		return compiler.TuningConfig{}, false
	}
	p, err := NewGEMMProblem(compiler.ArgumentShapes(ins))
	if err != nil {
		klog.V(1).Infof("kernels: no tuning config for %s: %v", ins, err)
		return compiler.TuningConfig{}, false
	}
	n := CountInstances(p.Accepts)
	if n == 0 {
		return compiler.TuningConfig{}, false
	}
	solutions := make([]ir.Value, n)
	for ii := range solutions {
		solutions[ii] = ir.Int(ii)
	}
	problem := ir.Map{
		"a": ir.ShapeValue{Shape: p.A},
		"b": ir.ShapeValue{Shape: p.B},
		"c": ir.ShapeValue{Shape: p.C},
	}
	return compiler.TuningConfig{Problem: problem, Solutions: solutions}, true
}
