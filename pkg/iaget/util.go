// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// clampInt clamps v to [lo, hi].
func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// extOf returns a file's extension, lowercased and without the leading
// dot, e.g. "a/b/model.TAR.GZ" -> "gz".
func extOf(name string) string {
	ext := filepath.Ext(name)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// flexInt decodes a JSON value that may arrive as a number, a numeric
// string, or an empty string, matching the Internet Archive metadata
// API's inconsistent typing of "size" and "mtime".
// An empty string decodes to nil; a negative value is rejected.
type flexInt struct {
	Value *int64
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` || s == "" {
		f.Value = nil
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		str = strings.TrimSpace(str)
		if str == "" {
			f.Value = nil
			return nil
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return fmt.Errorf("flexInt: invalid numeric string %q: %w", str, err)
		}
		if n < 0 {
			return fmt.Errorf("flexInt: negative value %d rejected", n)
		}
		f.Value = &n
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flexInt: invalid numeric value %q: %w", s, err)
	}
	if n < 0 {
		return fmt.Errorf("flexInt: negative value %d rejected", n)
	}
	f.Value = &n
	return nil
}
