// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package match

import (
	"testing"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/ops"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testGraph struct {
	p                  *ir.Program
	x, y, relu, neg, c *ir.Instruction
	exp                *ir.Instruction
}

// newTestGraph builds exp(concat(relu(x), neg(y))).
func newTestGraph(t *testing.T) *testGraph {
	g := &testGraph{p: ir.NewProgram()}
	m := g.p.Main()
	g.x = must.M1(m.AddParameter("x", shapes.Make(Float32, 2, 3)))
	g.y = must.M1(m.AddParameter("y", shapes.Make(Float32, 2, 3)))
	g.relu = must.M1(m.AddInstruction(ops.Relu, []*ir.Instruction{g.x}))
	g.neg = must.M1(m.AddInstruction(ops.Neg, []*ir.Instruction{g.y}))
	g.c = must.M1(m.AddInstruction(ops.Concat{Axis: 0}, []*ir.Instruction{g.relu, g.neg}))
	g.exp = must.M1(m.AddInstruction(ops.Exp, []*ir.Instruction{g.c}))
	must.M1(m.AddReturn(g.exp))
	require.NoError(t, g.p.Validate())
	return g
}

func TestMatchers(t *testing.T) {
	g := newTestGraph(t)

	r := Result{Result: g.exp}
	m := Name("exp", AnyOf(Inputs, Bind("concat", Name("concat", UsedOnce()))))
	require.True(t, Matches(m, g.exp, &r))
	assert.Equal(t, g.c, r.Instructions["concat"])
	assert.False(t, Matches(m, g.c, &Result{}))

	assert.True(t, Matches(UsedOnce(), g.x, &Result{}))
	assert.True(t, Matches(AnyName([]string{"relu", "neg"}), g.neg, &Result{}))

	// Failed alternatives don't leave bindings behind.
	r = Result{Result: g.c}
	m = AnyOf(Inputs, AllOf(Bind("k", Any()), Name("neg")))
	require.True(t, Matches(m, g.c, &r))
	assert.Equal(t, g.neg, r.Instructions["k"])
	assert.Len(t, r.Instructions, 1)

	r = Result{}
	require.False(t, Matches(AllOf(Bind("a", Any()), Name("neg")), g.relu, &r))
	assert.Empty(t, r.Instructions)

	assert.True(t, Matches(Arg(1, Name("neg")), g.c, &Result{}))
	assert.False(t, Matches(Arg(0, Name("neg")), g.c, &Result{}))
	assert.False(t, Matches(Arg(2, Any()), g.c, &Result{}))
	assert.True(t, Matches(AnyOf(Outputs, Name("exp")), g.c, &Result{}))
	assert.True(t, Matches(NoneOf(Name("relu"), Name("neg")), g.c, &Result{}))
	assert.False(t, Matches(NoneOf(Name("concat")), g.c, &Result{}))

	isRank2 := Pred("rank2", func(ins *ir.Instruction) bool { return ins.Shape().Rank() == 2 })
	assert.True(t, Matches(isRank2, g.relu, &Result{}))
}

func TestFindMatches(t *testing.T) {
	g := newTestGraph(t)
	m := g.p.Main()

	// relu -> sigmoid, and then sigmoid (a new instruction) -> tanh: new instructions are visited.
	var visits []string
	toSigmoid := NewRule("to_sigmoid", Name("relu"), func(mod *ir.Module, r Result) error {
		visits = append(visits, "relu")
		_, err := mod.ReplaceInstruction(r.Result, ops.Sigmoid, r.Result.Inputs())
		return err
	})
	toTanh := NewRule("to_tanh", Name("sigmoid"), func(mod *ir.Module, r Result) error {
		visits = append(visits, "sigmoid")
		_, err := mod.ReplaceInstruction(r.Result, ops.Tanh, r.Result.Inputs())
		return err
	})
	countNeg := NewRule("count_neg", Name("neg"), func(mod *ir.Module, r Result) error {
		visits = append(visits, "neg")
		return nil
	})
	require.NoError(t, FindMatches(m, m, toSigmoid, toTanh, countNeg))
	assert.Equal(t, []string{"relu", "sigmoid", "neg"}, visits)
	assert.Equal(t, "tanh", g.c.Input(0).Name())
	require.NoError(t, m.Validate())
}

func TestFindMatchesFirstRuleWins(t *testing.T) {
	g := newTestGraph(t)
	m := g.p.Main()
	var applied []string
	first := NewRule("first", Name("relu"), func(_ *ir.Module, _ Result) error {
		applied = append(applied, "first")
		return nil
	})
	second := NewRule("second", Name("relu"), func(_ *ir.Module, _ Result) error {
		applied = append(applied, "second")
		return nil
	})
	require.NoError(t, FindMatches(m, m, first, second))
	assert.Equal(t, []string{"first"}, applied)
}

func TestFindMatchesErrors(t *testing.T) {
	g := newTestGraph(t)
	m := g.p.Main()
	before := g.p.String()

	// A shape error, or a panic, only skips that match.
	var visited []string
	failing := NewRule("failing", AnyName([]string{"relu", "neg", "concat"}), func(_ *ir.Module, r Result) error {
		visited = append(visited, r.Result.Name())
		switch r.Result.Name() {
		case "relu":
			return errs.Shapef("rejected")
		case "neg":
			panic(errors.New("boom"))
		}
		return nil
	})
	require.NoError(t, FindMatches(m, m, failing))
	assert.Equal(t, []string{"relu", "neg", "concat"}, visited)
	assert.Equal(t, before, g.p.String())

	// An invariant error aborts the scan.
	visited = nil
	corrupt := NewRule("corrupt", AnyName([]string{"relu", "neg"}), func(_ *ir.Module, r Result) error {
		visited = append(visited, r.Result.Name())
		return errs.Invariantf("corrupted")
	})
	err := FindMatches(m, m, corrupt)
	require.ErrorIs(t, err, errs.ErrInvariant)
	assert.Contains(t, err.Error(), "corrupt")
	assert.Equal(t, []string{"relu"}, visited)
}

func TestFindMatchesDeterministic(t *testing.T) {
	run := func() string {
		g := newTestGraph(t)
		m := g.p.Main()
		rule := NewRule("neg_to_abs", Name("neg"), func(mod *ir.Module, r Result) error {
			_, err := mod.ReplaceInstruction(r.Result, ops.Abs, r.Result.Inputs())
			return err
		})
		require.NoError(t, FindMatches(m, m, rule))
		return g.p.String()
	}
	assert.Equal(t, run(), run())
}
