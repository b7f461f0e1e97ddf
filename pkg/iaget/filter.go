// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import (
	"fmt"
	"strings"
)

// BuildPlan applies the include/exclude format rules and size bounds
// to desc.Files, in descriptor order, and returns the resulting Plan.
// An empty result is a successful, empty plan.
func BuildPlan(desc *ItemDescriptor, opts PlanOptions, outputRoot string, eo EngineOptions) (*Plan, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil descriptor", ErrInvalidInput)
	}
	if outputRoot == "" {
		return nil, fmt.Errorf("%w: empty output root", ErrInvalidInput)
	}

	include := normalizeSet(opts.Include)
	exclude := normalizeSet(opts.Exclude)

	if eo.ConcurrencyLimit == 0 {
		eo.ConcurrencyLimit = 4
	}
	eo.ConcurrencyLimit = clampInt(eo.ConcurrencyLimit, 1, 16)
	eo.MaxRetries = clampInt(eo.MaxRetries, 0, 20)

	var files []FileRecord
	for _, f := range desc.Files {
		if !matchesFilters(f, include, exclude) {
			continue
		}
		if !withinSize(f, opts.MinSize, opts.MaxSize) {
			continue
		}
		files = append(files, f)
	}

	return &Plan{
		Identifier:       desc.Identifier,
		Dir:              desc.Dir,
		PrimaryServer:    desc.PrimaryServer,
		AlternateServers: desc.AlternateServers,
		OutputRoot:       outputRoot,
		Files:            files,
		EngineOptions:    eo,
	}, nil
}

func normalizeSet(in []string) map[string]bool {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return out
}

// matchesFilters implements include-then-exclude precedence: a file's
// format tag or filename extension is matched case-insensitively
// against each set.
func matchesFilters(f FileRecord, include, exclude map[string]bool) bool {
	format := strings.ToLower(strings.TrimSpace(f.Format))
	ext := extOf(f.Name)

	if len(include) > 0 {
		if !include[format] && !include[ext] {
			return false
		}
	}
	if len(exclude) > 0 {
		if exclude[format] || exclude[ext] {
			return false
		}
	}
	return true
}

// withinSize bounds a file's declared size; unknown size always passes.
func withinSize(f FileRecord, min, max *int64) bool {
	if f.Size == nil {
		return true
	}
	size := *f.Size
	if min != nil && size < *min {
		return false
	}
	if max != nil && size > *max {
		return false
	}
	return true
}
