// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/graphjit/pkg/core/shapes"
)

// Value is an operation attribute. It is a closed sum type: the only implementations are
// Int, Float, Bool, String, Ints, ShapeValue and Map.
type Value interface {
	fmt.Stringer
	isValue()
}

type (
	// Int attribute.
	Int int

	// Float attribute.
	Float float64

	// Bool attribute.
	Bool bool

	// String attribute.
	String string

	// Ints is a list of integers attribute, e.g.: a permutation or a list of axes.
	Ints []int

	// ShapeValue is a shape attribute.
	ShapeValue struct{ Shape shapes.Shape }

	// Map is a nested name to Value attribute, also used to represent a whole operation (see ToValue).
	Map map[string]Value
)

func (Int) isValue()        {}
func (Float) isValue()      {}
func (Bool) isValue()       {}
func (String) isValue()     {}
func (Ints) isValue()       {}
func (ShapeValue) isValue() {}
func (Map) isValue()        {}

func (v Int) String() string    { return strconv.Itoa(int(v)) }
func (v Float) String() string  { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v Bool) String() string   { return strconv.FormatBool(bool(v)) }
func (v String) String() string { return strconv.Quote(string(v)) }
func (v Ints) String() string   { return fmt.Sprintf("%v", []int(v)) }

func (v ShapeValue) String() string { return v.Shape.String() }

// String prints the entries sorted by key.
func (v Map) String() string {
	keys := slices.Sorted(maps.Keys(v))
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", key, v[key]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Get returns the value for key, or nil if not present. It works on a nil Map.
func (v Map) Get(key string) Value {
	if v == nil {
		return nil
	}
	return v[key]
}

// GetInt returns the integer stored under key, if present and of type Int.
func (v Map) GetInt(key string) (int, bool) {
	i, ok := v.Get(key).(Int)
	return int(i), ok
}

// GetInts returns the list of integers stored under key, if present and of type Ints.
func (v Map) GetInts(key string) ([]int, bool) {
	i, ok := v.Get(key).(Ints)
	return []int(i), ok
}

// ValuesEqual compares two values structurally. Values of different kinds are never equal.
func ValuesEqual(a, b Value) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case Int, Float, Bool, String:
		return a == b
	case Ints:
		bv, ok := b.(Ints)
		return ok && slices.Equal(av, bv)
	case ShapeValue:
		bv, ok := b.(ShapeValue)
		return ok && av.Shape.Equal(bv.Shape)
	case Map:
		bv, ok := b.(Map)
		if !ok || len(av) != len(bv) {
			return false
		}
		for key, value := range av {
			other, found := bv[key]
			if !found || !ValuesEqual(value, other) {
				return false
			}
		}
		return true
	}
	return false
}
