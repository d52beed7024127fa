// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir defines the instruction graph: a Program holds named Modules, each an ordered list of
// Instructions applying an Operation to the values of previous instructions.
//
// The graph is edited only through Module methods (AddInstruction, ReplaceInstruction,
// RemoveInstruction, ...), each of which either succeeds or leaves the module unchanged. Errors are
// tagged with the kinds in package errs: ErrShape when an operation rejects its inputs, ErrInvariant when
// an edit would break the graph consistency.
//
// It is not safe for concurrent mutation.
package ir

import (
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/support/sets"
)

// MainModuleName is the name of the top-level module of every Program.
const MainModuleName = "main"

// Program is the unit passed through the pass pipeline: the main module plus auxiliary modules (fused regions).
type Program struct {
	modules  []*Module
	nextID   int
	counters map[string]int
}

// NewProgram creates a Program with an empty main module.
func NewProgram() *Program {
	p := &Program{counters: make(map[string]int)}
	p.modules = append(p.modules, &Module{name: MainModuleName, program: p})
	return p
}

// Main returns the top-level module.
func (p *Program) Main() *Module { return p.modules[0] }

// Modules returns all modules in creation order, the main module first.
func (p *Program) Modules() []*Module {
	result := make([]*Module, len(p.modules))
	copy(result, p.modules)
	return result
}

// Module returns the module with the given name, or nil.
func (p *Program) Module(name string) *Module {
	for _, m := range p.modules {
		if m.name == name {
			return m
		}
	}
	return nil
}

// CreateModule creates a new module. If copyOf is not nil, the new module is a clone of it, with the same
// parameter names and bypass flag. It returns an ErrInvariant if the name is already taken.
func (p *Program) CreateModule(name string, copyOf *Module) (*Module, error) {
	if p.Module(name) != nil {
		return nil, errs.Invariantf("CreateModule(%q): a module with this name already exists", name)
	}
	m := &Module{name: name, program: p}
	if copyOf != nil {
		if copyOf.program != p {
			return nil, errs.Invariantf("CreateModule(%q): cannot copy module %q from another program", name, copyOf.name)
		}
		m.parent = copyOf.parent
		copyOf.cloneInto(m)
	}
	p.modules = append(p.modules, m)
	return m, nil
}

// CreateSubModule creates an empty module nested in parent: its instructions may consume the
// instructions of parent and of parent's ancestors.
func (p *Program) CreateSubModule(parent *Module, name string) (*Module, error) {
	if parent == nil || parent.program != p {
		return nil, errs.Invariantf("CreateSubModule(%q): parent module doesn't belong to the program", name)
	}
	m, err := p.CreateModule(name, nil)
	if err != nil {
		return nil, err
	}
	m.parent = parent
	return m, nil
}

// UniqueModuleName returns prefix followed by a per-prefix counter, skipping names already in use.
// The counter belongs to the program, so the names generated are the same for structurally equal programs.
func (p *Program) UniqueModuleName(prefix string) string {
	for {
		n := p.counters[prefix]
		p.counters[prefix] = n + 1
		name := prefix + strconv.Itoa(n)
		if p.Module(name) == nil {
			return name
		}
	}
}

// RemoveUnusedModules removes modules not reachable from the main module through instruction submodules
// or module parents. It returns the names of the removed modules.
func (p *Program) RemoveUnusedModules() []string {
	used := sets.MakeWith(p.Main())
	toVisit := []*Module{p.Main()}
	for len(toVisit) > 0 {
		m := toVisit[len(toVisit)-1]
		toVisit = toVisit[:len(toVisit)-1]
		for _, ins := range m.instructions {
			for _, sub := range ins.modules {
				if !used.Has(sub) {
					used.Insert(sub)
					toVisit = append(toVisit, sub)
				}
			}
		}
		if m.parent != nil && !used.Has(m.parent) {
			used.Insert(m.parent)
			toVisit = append(toVisit, m.parent)
		}
	}
	var removed []string
	kept := p.modules[:0]
	for _, m := range p.modules {
		if used.Has(m) {
			kept = append(kept, m)
		} else {
			removed = append(removed, m.name)
			m.detach()
		}
	}
	clear(p.modules[len(kept):])
	p.modules = kept
	return removed
}

// RemoveModule removes a module not referenced by any instruction or module of the program.
// It returns an ErrInvariant, leaving the program unchanged, if m is the main module or is still referenced.
func (p *Program) RemoveModule(m *Module) error {
	pos := slices.Index(p.modules, m)
	if pos < 0 {
		return errs.Invariantf("RemoveModule: module is not part of the program")
	}
	if pos == 0 {
		return errs.Invariantf("RemoveModule: cannot remove the main module %q", m.name)
	}
	for _, other := range p.modules {
		if other == m {
			continue
		}
		if other.parent == m {
			return errs.Invariantf("RemoveModule(%q): module %q is nested in it", m.name, other.name)
		}
		for _, ins := range other.instructions {
			if slices.Contains(ins.modules, m) {
				return errs.Invariantf("RemoveModule(%q): still used by %s in module %q", m.name, ins, other.name)
			}
		}
	}
	m.detach()
	p.modules = slices.Delete(p.modules, pos, pos+1)
	return nil
}

// Validate validates every module.
func (p *Program) Validate() error {
	for _, m := range p.modules {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// String prints every module in creation order. Two programs built the same way print the same.
func (p *Program) String() string {
	parts := make([]string, len(p.modules))
	for ii, m := range p.modules {
		parts[ii] = m.String()
	}
	return strings.Join(parts, "\n")
}

func (p *Program) newID() int {
	id := p.nextID
	p.nextID++
	return id
}
