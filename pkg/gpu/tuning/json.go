// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tuning

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/graphjit/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// rocmTypeNames maps the type names of ROCm GEMM tuning tables, e.g. "half_type".
var rocmTypeNames = map[string]dtypes.DType{
	"bool_type":   dtypes.Bool,
	"half_type":   dtypes.Float16,
	"bf16_type":   dtypes.BFloat16,
	"float_type":  dtypes.Float32,
	"double_type": dtypes.Float64,
	"int8_type":   dtypes.Int8,
	"uint8_type":  dtypes.Uint8,
	"int16_type":  dtypes.Int16,
	"uint16_type": dtypes.Uint16,
	"int32_type":  dtypes.Int32,
	"uint32_type": dtypes.Uint32,
	"int64_type":  dtypes.Int64,
	"uint64_type": dtypes.Uint64,
}

// ParseDType accepts both the dtypes names ("Float16", "f16", ...) and the ROCm tuning table names ("half_type").
func ParseDType(name string) (dtypes.DType, error) {
	if dtype, found := rocmTypeNames[name]; found {
		return dtype, nil
	}
	if dtype, found := dtypes.MapOfNames[name]; found && dtype != dtypes.InvalidDType {
		return dtype, nil
	}
	if dtype, found := dtypes.MapOfNames[strings.ToLower(name)]; found && dtype != dtypes.InvalidDType {
		return dtype, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q", name)
}

type jsonShape struct {
	Type    string `json:"type"`
	Lens    []int  `json:"lens"`
	Strides []int  `json:"strides,omitempty"`
}

func shapeFromJSON(js jsonShape) (shapes.Shape, error) {
	dtype, err := ParseDType(js.Type)
	if err != nil {
		return shapes.Shape{}, err
	}
	for _, dim := range js.Lens {
		if dim <= 0 {
			return shapes.Shape{}, errors.Errorf("invalid lens %v", js.Lens)
		}
	}
	if len(js.Strides) == 0 {
		return shapes.Make(dtype, js.Lens...), nil
	}
	if len(js.Strides) != len(js.Lens) {
		return shapes.Shape{}, errors.Errorf("lens %v and strides %v have different ranks", js.Lens, js.Strides)
	}
	for _, stride := range js.Strides {
		if stride < 0 {
			return shapes.Shape{}, errors.Errorf("invalid strides %v", js.Strides)
		}
	}
	return shapes.MakeStrided(dtype, js.Lens, js.Strides), nil
}

func shapeToJSON(s shapes.Shape) jsonShape {
	return jsonShape{Type: s.DType.String(), Lens: s.Dimensions, Strides: s.Strides}
}

// UnmarshalJSON parses the `[[shapes...], solution]` pair.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return errors.Wrap(err, "tuning entry must be a [shapes, solution] pair")
	}
	if len(pair) != 2 {
		return errors.Errorf("tuning entry must be a [shapes, solution] pair, got %d elements", len(pair))
	}
	var jsonShapes []jsonShape
	if err := json.Unmarshal(pair[0], &jsonShapes); err != nil {
		return errors.Wrap(err, "tuning entry shapes")
	}
	var solution int
	if err := json.Unmarshal(pair[1], &solution); err != nil {
		return errors.Wrap(err, "tuning entry solution")
	}
	e.Inputs = make([]shapes.Shape, len(jsonShapes))
	for ii, js := range jsonShapes {
		s, err := shapeFromJSON(js)
		if err != nil {
			return errors.WithMessagef(err, "tuning entry shape #%d", ii)
		}
		e.Inputs[ii] = s
	}
	e.Solution = solution
	return nil
}

// MarshalJSON writes the `[[shapes...], solution]` pair.
func (e Entry) MarshalJSON() ([]byte, error) {
	encoded, err := MarshalShapes(e.Inputs)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]any{json.RawMessage(encoded), e.Solution})
}

// MarshalShapes encodes shapes in the format of the tuning table, e.g. to log the key of a missing entry.
func MarshalShapes(inputs []shapes.Shape) ([]byte, error) {
	jsonShapes := make([]jsonShape, len(inputs))
	for ii, s := range inputs {
		jsonShapes[ii] = shapeToJSON(s)
	}
	return json.Marshal(jsonShapes)
}

// ParseTable parses a JSON tuning table.
func ParseTable(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "parsing tuning table")
	}
	return entries, nil
}

// loadFile reads the table at path. "~" is expanded, and a missing file is an empty table.
func loadFile(path string) ([]Entry, error) {
	if path == "" {
		return nil, nil
	}
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	exists, err := fsutil.FileExists(path)
	if err != nil || !exists {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading tuning table %q", path)
	}
	entries, err := ParseTable(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "tuning table %q", path)
	}
	return entries, nil
}
