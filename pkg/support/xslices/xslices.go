// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"cmp"
	"flag"
	"fmt"
	"maps"
	"slices"
	"strings"

	"golang.org/x/exp/constraints"
)

// Last returns the last element of a slice. It panics if the slice is empty.
func Last[T any](slice []T) T {
	return slice[len(slice)-1]
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Product returns the product of the values, 1 for an empty slice.
func Product[T constraints.Integer | constraints.Float](values []T) T {
	product := T(1)
	for _, v := range values {
		product *= v
	}
	return product
}

// SortedKeys returns the sorted keys of a map.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}

// Flag creates a flag for []T with the given name, description and default value: the flag value is a
// comma separated list, each element converted with parserFn.
func Flag[T any](name string, defaultValue []T, usage string,
	parserFn func(valueStr string) (T, error)) *[]T {
	f := &sliceFlag[T]{
		parsed:   defaultValue,
		parserFn: parserFn,
	}
	flag.Var(f, name, usage)
	return &f.parsed
}

// sliceFlag implements flag.Value for a slice of T.
type sliceFlag[T any] struct {
	parsed   []T
	parserFn func(valueStr string) (T, error)
}

func (f *sliceFlag[T]) String() string {
	parts := Map(f.parsed, func(e T) string { return fmt.Sprint(e) })
	return strings.Join(parts, ",")
}

func (f *sliceFlag[T]) Set(listStr string) error {
	if listStr == "" {
		f.parsed = nil
		return nil
	}
	parts := strings.Split(listStr, ",")
	parsed := make([]T, len(parts))
	for ii, part := range parts {
		var err error
		parsed[ii], err = f.parserFn(strings.TrimSpace(part))
		if err != nil {
			return err
		}
	}
	f.parsed = parsed
	return nil
}
