// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jit

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/gomlx/graphjit/pkg/core/errs"
)

// ParseTemplate parses a kernel source template. References to missing keys fail at Render time.
// It panics if text is not a valid template: kernel templates are constants of the program.
func ParseTemplate(name, text string) *template.Template {
	return template.Must(template.New(name).Option("missingkey=error").Parse(text))
}

// Render executes tmpl with data. Failures are configuration errors.
func Render(tmpl *template.Template, data map[string]any) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", errs.Mark(errs.ErrConfiguration, err, "rendering kernel template %q", tmpl.Name())
	}
	return sb.String(), nil
}

// EnumParams returns the comma separated list "<prefix>0, <prefix>1, ..." with n elements.
func EnumParams(n int, prefix string) string {
	params := make([]string, n)
	for ii := range params {
		params[ii] = fmt.Sprintf("%s%d", prefix, ii)
	}
	return strings.Join(params, ", ")
}
