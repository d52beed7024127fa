// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tuning implements the persisted table of tuned GEMM kernel instances, and its lookup.
//
// The table is a JSON list of [shapes, solution] pairs, where shapes are the A, B and C shapes of a GEMM
// and solution is the index of the kernel instance found to be the fastest for them:
//
//	[
//	  [[{"type": "half_type", "lens": [64, 256], "strides": [256, 1]}, ...], 7],
//	  ...
//	]
//
// It is read once, on first use, and never written.
package tuning

import (
	"cmp"
	"math"
	"slices"
	"sync"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/graphjit/pkg/support/xslices"
	"k8s.io/klog/v2"
)

// DefaultSolution is the instance used when there is no tuning data at all.
const DefaultSolution = 4

// Entry of the tuning table.
type Entry struct {
	Inputs   []shapes.Shape
	Solution int
}

// Result of a lookup.
type Result struct {
	// Solution is the instance index.
	Solution int

	// Exact is true if an entry matched the shapes exactly. Otherwise Solution is the nearest entry's,
	// or DefaultSolution.
	Exact bool

	// Distance to the nearest entry, for inexact results.
	Distance float64
}

// Store is the tuning table. It is safe for concurrent use.
type Store struct {
	// Strict makes lookups without an exact match fail with errs.ErrConfiguration.
	Strict bool

	path    string
	once    sync.Once
	entries []Entry
	loadErr error
}

// NewStore returns a Store with the given entries.
func NewStore(entries ...Entry) *Store {
	s := &Store{entries: entries}
	s.once.Do(func() {})
	return s
}

// Open returns a Store backed by the JSON file at path, loaded on first use. A missing file, or an
// empty path, is an empty table.
func Open(path string) *Store {
	return &Store{path: path}
}

// Path of the file backing the store, if any.
func (s *Store) Path() string { return s.path }

// Entries returns the entries of the table, loading it if needed.
func (s *Store) Entries() ([]Entry, error) {
	s.once.Do(func() {
		s.entries, s.loadErr = loadFile(s.path)
		if s.loadErr == nil && len(s.entries) == 0 {
			klog.Warningf("tuning: no GEMM tuning data (file %q), kernel instances will be guessed", s.path)
		}
	})
	return s.entries, s.loadErr
}

// Lookup returns the solution for the GEMM with the given A, B and C shapes.
//
// An entry with exactly the same shapes is used if there is one. Otherwise the entry with the smallest
// mean MatrixDistance over the three shapes is used (ties broken by the smallest solution), and a warning
// is logged. With no entries at all, it returns DefaultSolution.
func (s *Store) Lookup(inputs []shapes.Shape) (Result, error) {
	entries, err := s.Entries()
	if err != nil {
		return Result{}, err
	}
	for _, entry := range entries {
		if slices.EqualFunc(entry.Inputs, inputs, shapes.Shape.Equal) {
			return Result{Solution: entry.Solution, Exact: true}, nil
		}
	}
	if s.Strict {
		return Result{}, errs.Configurationf("tuning: no GEMM tuning entry for shapes %v", inputs)
	}
	klog.Warningf("tuning: GEMM tuning missing for shapes %v", inputs)
	if len(inputs) < 3 {
		return Result{}, errs.Configurationf("tuning: invalid GEMM config, requires 3 shapes, got %d", len(inputs))
	}

	type candidate struct {
		distance float64
		solution int
	}
	candidates := make([]candidate, 0, len(entries))
	for _, entry := range entries {
		if len(entry.Inputs) < 3 {
			return Result{}, errs.Configurationf("tuning: invalid GEMM tuning entry with %d shapes", len(entry.Inputs))
		}
		var distance float64
		for ii := range 3 {
			distance += MatrixDistance(entry.Inputs[ii], inputs[ii]) / 3
		}
		candidates = append(candidates, candidate{distance, entry.Solution})
	}
	if len(candidates) == 0 {
		return Result{Solution: DefaultSolution}, nil
	}
	best := slices.MinFunc(candidates, func(a, b candidate) int {
		return cmp.Or(cmp.Compare(a.distance, b.distance), cmp.Compare(a.solution, b.solution))
	})
	return Result{Solution: best.solution, Distance: best.distance}, nil
}

// MaxDistance is the distance between incompatible matrices.
const MaxDistance = math.MaxFloat32

// MatrixDistance is the Euclidean distance between the two trailing dimensions of x and y. It is
// MaxDistance if they differ in dtype or in whether they are transposed.
func MatrixDistance(x, y shapes.Shape) float64 {
	if x.DType != y.DType || Transposed(x) != Transposed(y) {
		return MaxDistance
	}
	var sumSquared float64
	for ii := 1; ii <= 2 && ii <= x.Rank() && ii <= y.Rank(); ii++ {
		d := float64(x.Dimensions[x.Rank()-ii] - y.Dimensions[y.Rank()-ii])
		sumSquared += d * d
	}
	return math.Sqrt(sumSquared)
}

// Transposed returns whether the fastest varying axis of the matrix s is not the last one.
func Transposed(s shapes.Shape) bool {
	return s.Rank() > 0 && xslices.Last(s.Strides) != 1
}
