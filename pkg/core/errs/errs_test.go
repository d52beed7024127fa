// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package errs

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	err := Shapef("concat of %d inputs", 3)
	assert.True(t, errors.Is(err, ErrShape))
	assert.False(t, errors.Is(err, ErrInvariant))
	assert.Contains(t, err.Error(), "concat of 3 inputs")

	cause := errors.New("exit status 1")
	marked := Mark(ErrCompilation, cause, "compiling %q", "kernel")
	require.Error(t, marked)
	assert.True(t, errors.Is(marked, ErrCompilation))
	assert.True(t, errors.Is(marked, cause))
	assert.Equal(t, `compiling "kernel": exit status 1`, marked.Error())

	// Already of the same kind: only the message is added.
	again := Mark(ErrCompilation, marked, "lowering")
	assert.Equal(t, `lowering: compiling "kernel": exit status 1`, again.Error())
	assert.True(t, errors.Is(again, ErrCompilation))

	assert.NoError(t, Mark(ErrShape, nil, "nothing"))
}
