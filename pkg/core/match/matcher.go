// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package match implements a combinator based pattern matcher over instructions, and FindMatches,
// which applies rewrite rules to every match in a module.
//
// A matcher is a tree of nodes (NameMatcher, UsedOnceMatcher, AnyOfMatcher, ...) evaluated by a single
// dispatcher, Matches. Evaluating a matcher never changes the graph; it only records the instructions
// bound with Bind in the Result. Example, a concat used once whose inputs include a pointwise:
//
//	concat := match.Name("concat", match.UsedOnce(),
//		match.AnyOf(match.Inputs, match.Name("pointwise", match.UsedOnce())))
//	m := match.Name("pointwise", match.AnyOf(match.Inputs, match.Bind("concat", concat)))
package match

import (
	"maps"
	"slices"

	"github.com/gomlx/graphjit/pkg/core/ir"
)

// Matcher is a node of a matcher tree. The implementations are the *Matcher types of this package.
type Matcher interface {
	isMatcher()
}

// NameMatcher matches instructions whose operation name is one of Names, and that satisfy all of Inner.
type NameMatcher struct {
	Names []string
	Inner []Matcher
}

// UsedOnceMatcher matches instructions with exactly one consumer.
type UsedOnceMatcher struct{}

// Selector chooses a collection of instructions related to the one being matched.
type Selector int

const (
	// Inputs selects the inputs of an instruction.
	Inputs Selector = iota

	// Outputs selects the consumers of an instruction.
	Outputs
)

// AnyOfMatcher matches if Inner matches at least one of the selected instructions. The first
// one, in order, that matches is used.
type AnyOfMatcher struct {
	Selector Selector
	Inner    Matcher
}

// AllOfMatcher matches if all Matchers match the instruction.
type AllOfMatcher struct {
	Matchers []Matcher
}

// NoneOfMatcher matches if none of Matchers matches the instruction. It never binds anything.
type NoneOfMatcher struct {
	Matchers []Matcher
}

// ArgMatcher matches if the instruction has an input at Index, and Inner matches it.
type ArgMatcher struct {
	Index int
	Inner Matcher
}

// BindMatcher records the instruction under Key if Inner matches it.
type BindMatcher struct {
	Key   string
	Inner Matcher
}

// PredicateMatcher matches instructions for which Fn returns true. Name is used for debugging.
type PredicateMatcher struct {
	Name string
	Fn   func(ins *ir.Instruction) bool
}

// AnyMatcher matches every instruction.
type AnyMatcher struct{}

func (NameMatcher) isMatcher()      {}
func (UsedOnceMatcher) isMatcher()  {}
func (AnyOfMatcher) isMatcher()     {}
func (AllOfMatcher) isMatcher()     {}
func (NoneOfMatcher) isMatcher()    {}
func (ArgMatcher) isMatcher()       {}
func (BindMatcher) isMatcher()      {}
func (PredicateMatcher) isMatcher() {}
func (AnyMatcher) isMatcher()       {}

// Name matches instructions with the given operation name satisfying all inner matchers.
func Name(name string, inner ...Matcher) Matcher {
	return NameMatcher{Names: []string{name}, Inner: inner}
}

// AnyName matches instructions with any of the given operation names satisfying all inner matchers.
func AnyName(names []string, inner ...Matcher) Matcher {
	return NameMatcher{Names: names, Inner: inner}
}

// UsedOnce matches instructions with exactly one consumer.
func UsedOnce() Matcher { return UsedOnceMatcher{} }

// AnyOf matches if inner matches any of the instructions chosen by selector.
func AnyOf(selector Selector, inner Matcher) Matcher {
	return AnyOfMatcher{Selector: selector, Inner: inner}
}

// AllOf matches if all matchers match.
func AllOf(matchers ...Matcher) Matcher { return AllOfMatcher{Matchers: matchers} }

// NoneOf matches if none of the matchers match.
func NoneOf(matchers ...Matcher) Matcher { return NoneOfMatcher{Matchers: matchers} }

// Arg matches if inner matches the input at index.
func Arg(index int, inner Matcher) Matcher { return ArgMatcher{Index: index, Inner: inner} }

// Bind records the instruction matched by inner under key.
func Bind(key string, inner Matcher) Matcher { return BindMatcher{Key: key, Inner: inner} }

// Pred matches instructions for which fn returns true.
func Pred(name string, fn func(ins *ir.Instruction) bool) Matcher {
	return PredicateMatcher{Name: name, Fn: fn}
}

// Any matches every instruction.
func Any() Matcher { return AnyMatcher{} }

// Result of a successful match. It is only valid during the Rule.Apply call it is given to.
type Result struct {
	// Result is the instruction the top-level matcher matched.
	Result *ir.Instruction

	// Instructions bound by Bind matchers.
	Instructions map[string]*ir.Instruction
}

// Matches evaluates matcher on ins, recording bindings in r. On failure r is left as it was before the call.
func Matches(matcher Matcher, ins *ir.Instruction, r *Result) bool {
	if r.Instructions == nil {
		r.Instructions = make(map[string]*ir.Instruction)
	}
	saved := maps.Clone(r.Instructions)
	if matchNode(matcher, ins, r) {
		return true
	}
	r.Instructions = saved
	return false
}

func matchNode(matcher Matcher, ins *ir.Instruction, r *Result) bool {
	switch m := matcher.(type) {
	case NameMatcher:
		if !slices.Contains(m.Names, ins.Name()) {
			return false
		}
		for _, inner := range m.Inner {
			if !Matches(inner, ins, r) {
				return false
			}
		}
		return true

	case UsedOnceMatcher:
		return ins.NumOutputs() == 1

	case AnyOfMatcher:
		var candidates []*ir.Instruction
		switch m.Selector {
		case Inputs:
			candidates = ins.Inputs()
		case Outputs:
			candidates = ins.Outputs()
		}
		for _, candidate := range candidates {
			if Matches(m.Inner, candidate, r) {
				return true
			}
		}
		return false

	case AllOfMatcher:
		for _, inner := range m.Matchers {
			if !Matches(inner, ins, r) {
				return false
			}
		}
		return true

	case NoneOfMatcher:
		for _, inner := range m.Matchers {
			probe := Result{Result: r.Result, Instructions: maps.Clone(r.Instructions)}
			if Matches(inner, ins, &probe) {
				return false
			}
		}
		return true

	case ArgMatcher:
		if m.Index < 0 || m.Index >= ins.NumInputs() {
			return false
		}
		return Matches(m.Inner, ins.Input(m.Index), r)

	case BindMatcher:
		if !Matches(m.Inner, ins, r) {
			return false
		}
		r.Instructions[m.Key] = ins
		return true

	case PredicateMatcher:
		return m.Fn(ins)

	case AnyMatcher:
		return true
	}
	return false
}
