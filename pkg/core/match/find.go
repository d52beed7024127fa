// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package match

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Rule is a rewrite: Apply is called for each instruction Matcher matches, with the context C given to
// FindMatches (usually the pass manager of the module).
type Rule[C any] interface {
	Matcher() Matcher
	Apply(ctx C, r Result) error
}

// NewRule creates a Rule from a matcher and an apply function. The name is used in logs.
func NewRule[C any](name string, matcher Matcher, apply func(ctx C, r Result) error) Rule[C] {
	return &funcRule[C]{name: name, matcher: matcher, apply: apply}
}

type funcRule[C any] struct {
	name    string
	matcher Matcher
	apply   func(ctx C, r Result) error
}

func (f *funcRule[C]) Matcher() Matcher { return f.matcher }

func (f *funcRule[C]) Apply(ctx C, r Result) error { return f.apply(ctx, r) }

func (f *funcRule[C]) String() string { return f.name }

// FindMatches visits the instructions of module in order, and for each one applies the first rule whose
// matcher matches it.
//
// After a rule is applied the scan restarts from the beginning of the module, skipping the instructions
// already visited, so instructions created by a rewrite are visited too. The order of the visit only
// depends on the module, so the rewrites are deterministic.
//
// Errors (or panics with an error) returned by Apply only abort that one rewrite: they are logged and the
// scan continues. The exception is an errs.ErrInvariant, which means the graph is corrupted: it aborts
// the scan and is returned.
func FindMatches[C any](module *ir.Module, ctx C, rules ...Rule[C]) error {
	visited := sets.Make[*ir.Instruction]()
	for {
		applied := false
		for _, ins := range module.Instructions() {
			if visited.Has(ins) || ins.Module() != module {
				continue
			}
			visited.Insert(ins)
			rule, r, found := firstMatch(ins, rules)
			if !found {
				continue
			}
			if klog.V(2).Enabled() {
				klog.Infof("match: rule %s matched %s in module %q", ruleName(rule), ins, module.Name())
			}
			if err := applyRule(rule, ctx, r); err != nil {
				if errors.Is(err, errs.ErrInvariant) {
					return errors.WithMessagef(err, "rule %s applied to %s", ruleName(rule), ins)
				}
				klog.V(1).Infof("match: rule %s failed for %s, skipping: %v", ruleName(rule), ins, err)
			}
			applied = true
			break
		}
		if !applied {
			return nil
		}
	}
}

func firstMatch[C any](ins *ir.Instruction, rules []Rule[C]) (Rule[C], Result, bool) {
	for _, rule := range rules {
		r := Result{Result: ins}
		if Matches(rule.Matcher(), ins, &r) {
			return rule, r, true
		}
	}
	return nil, Result{}, false
}

// applyRule converts panics with an error to a returned error.
func applyRule[C any](rule Rule[C], ctx C, r Result) (err error) {
	exception := exceptions.TryCatch[error](func() {
		err = rule.Apply(ctx, r)
	})
	if exception != nil {
		return exception
	}
	return err
}

func ruleName(rule any) string {
	if s, ok := rule.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", rule)
}
