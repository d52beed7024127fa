// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"testing"

	"github.com/gomlx/graphjit/pkg/core/fusion"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/ops"
	"github.com/gomlx/graphjit/pkg/core/passes"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/graphjit/pkg/gpu/gpuops"
	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var MS = shapes.Make

func opNames(m *ir.Module) []string {
	var names []string
	for _, ins := range m.Instructions() {
		names = append(names, ins.Name())
	}
	return names
}

func run(t *testing.T, p *ir.Program) {
	require.NoError(t, passes.Run(p,
		fusion.FusePointwise{}, passes.DeadCodeElimination{},
		FuseGEMM{}, passes.DeadCodeElimination{}))
}

// newGEMMGraph builds relu(dot(a, b) + d).
func newGEMMGraph(t *testing.T, dtype DType, m, k, n int) (*ir.Program, []*ir.Instruction) {
	p := ir.NewProgram()
	main := p.Main()
	a := must.M1(main.AddParameter("a", MS(dtype, m, k)))
	b := must.M1(main.AddParameter("b", MS(dtype, k, n)))
	d := must.M1(main.AddParameter("d", MS(dtype, m, n)))
	dot := must.M1(main.AddInstruction(ops.Dot{}, []*ir.Instruction{a, b}))
	sum := must.M1(main.AddInstruction(ops.Add, []*ir.Instruction{dot, d}))
	relu := must.M1(main.AddInstruction(ops.Relu, []*ir.Instruction{sum}))
	must.M1(main.AddReturn(relu))
	require.NoError(t, p.Validate())
	return p, []*ir.Instruction{a, b, d}
}

func TestFuseGEMMEpilogue(t *testing.T) {
	p, params := newGEMMGraph(t, Float16, 64, 32, 128)
	run(t, p)
	main := p.Main()
	assert.Equal(t, []string{"@param", "@param", "@param", gpuops.CKGemmName, "@return"}, opNames(main))

	gemm := main.Results()[0]
	assert.Equal(t, params, gemm.Inputs())
	assert.True(t, gemm.Shape().Equal(MS(Float16, 64, 128)))
	post := gpuops.PostModule(gemm)
	require.NotNil(t, post)
	assert.True(t, post.Bypass())
	assert.Equal(t, []string{"!x0", "x1"}, post.SortedParameterNames())
	assert.Contains(t, opNames(post), "relu")

	// The pointwise modules replaced by the fusion were dropped.
	require.Len(t, p.Modules(), 2)
	assert.Equal(t, post, p.Modules()[1])
}

func TestFuseGEMMUnsupported(t *testing.T) {
	testCases := []struct {
		name    string
		dtype   DType
		m, k, n int
	}{
		{"unaligned_m", Float16, 60, 32, 128},
		{"unaligned_k", Float16, 64, 30, 128},
		{"dtype", Float64, 64, 32, 128},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newGEMMGraph(t, tc.dtype, tc.m, tc.k, tc.n)
			run(t, p)
			assert.Equal(t, []string{"@param", "@param", "@param", ops.DotName, ops.PointwiseName, "@return"},
				opNames(p.Main()))
		})
	}
}

func TestFuseGEMMNotUsedOnce(t *testing.T) {
	p := ir.NewProgram()
	main := p.Main()
	a := must.M1(main.AddParameter("a", MS(Float32, 16, 16)))
	b := must.M1(main.AddParameter("b", MS(Float32, 16, 16)))
	dot := must.M1(main.AddInstruction(ops.Dot{}, []*ir.Instruction{a, b}))
	exp := must.M1(main.AddInstruction(ops.Exp, []*ir.Instruction{dot}))
	must.M1(main.AddReturn(exp, dot))
	run(t, p)

	assert.Equal(t, []string{"@param", "@param", gpuops.CKGemmName, ops.PointwiseName, "@return"}, opNames(main))
	gemm := main.Results()[1]
	assert.Equal(t, gpuops.CKGemmName, gemm.Name())
	assert.Nil(t, gpuops.PostModule(gemm))
	assert.Equal(t, gemm, main.Results()[0].Input(0))
}

func TestFuseGEMMRepeatedInput(t *testing.T) {
	p := ir.NewProgram()
	main := p.Main()
	a := must.M1(main.AddParameter("a", MS(Float16, 16, 8)))
	b := must.M1(main.AddParameter("b", MS(Float16, 8, 16)))
	dot := must.M1(main.AddInstruction(ops.Dot{}, []*ir.Instruction{a, b}))
	square := must.M1(main.AddInstruction(ops.Mul, []*ir.Instruction{dot, dot}))
	must.M1(main.AddReturn(square))
	run(t, p)

	// The GEMM is replaced, but its square is not folded into it.
	assert.Equal(t, []string{"@param", "@param", gpuops.CKGemmName, ops.PointwiseName, "@return"}, opNames(main))
	require.NoError(t, p.Validate())
}

func TestIsCKGemm(t *testing.T) {
	p := ir.NewProgram()
	main := p.Main()
	a := must.M1(main.AddParameter("a", MS(Int8, 4, 16, 8)))
	b := must.M1(main.AddParameter("b", MS(Int8, 4, 8, 24)))
	dot := must.M1(main.AddInstruction(ops.Dot{}, []*ir.Instruction{a, b}))
	assert.True(t, IsCKGemm(dot))
	assert.False(t, IsCKGemm(a))
}
