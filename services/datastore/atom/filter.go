// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package atom

import (
	"fmt"
	"path"
	"strings"
)

// FilterKind discriminates the range filter variants.
type FilterKind string

const (
	// FilterKey matches one exact key.
	FilterKey FilterKind = "key"

	// FilterKeyPrefix matches every key starting with a prefix.
	FilterKeyPrefix FilterKind = "key_prefix"

	// FilterKeyRange matches keys in [Start, End] by lexicographic order.
	FilterKeyRange FilterKind = "key_range"

	// FilterKeys matches an explicit key set.
	FilterKeys FilterKind = "keys"

	// FilterKeyPattern matches keys against a glob pattern, e.g.
	// "store:*". Pattern syntax follows path.Match: '*' matches any
	// sequence of characters, '?' a single character, '[abc]' a set.
	FilterKeyPattern FilterKind = "key_pattern"
)

// Filter selects keys from a range reference.
//
// Filter is a tagged union: Kind selects the variant and exactly the
// fields that variant needs are read. Use the constructor functions
// rather than building the struct literally.
type Filter struct {
	Kind    FilterKind
	Key     string
	Prefix  string
	Start   string
	End     string
	Keys    []string
	Pattern string
}

// ByKey matches the single exact key k.
func ByKey(k string) Filter {
	return Filter{Kind: FilterKey, Key: k}
}

// ByKeyPrefix matches every key starting with prefix.
func ByKeyPrefix(prefix string) Filter {
	return Filter{Kind: FilterKeyPrefix, Prefix: prefix}
}

// ByKeyRange matches keys in the closed lexicographic interval
// [start, end]. An empty end leaves the interval unbounded above.
func ByKeyRange(start, end string) Filter {
	return Filter{Kind: FilterKeyRange, Start: start, End: end}
}

// ByKeys matches the explicit key set.
func ByKeys(keys ...string) Filter {
	return Filter{Kind: FilterKeys, Keys: keys}
}

// ByKeyPattern matches keys against a glob pattern.
func ByKeyPattern(pattern string) Filter {
	return Filter{Kind: FilterKeyPattern, Pattern: pattern}
}

// Validate checks the filter is well-formed before a query runs.
func (f Filter) Validate() error {
	switch f.Kind {
	case FilterKey:
		if f.Key == "" {
			return fmt.Errorf("%w: key filter requires a key", ErrInvalidInput)
		}
	case FilterKeyPrefix:
		if f.Prefix == "" {
			return fmt.Errorf("%w: prefix filter requires a prefix", ErrInvalidInput)
		}
	case FilterKeyRange:
		if f.Start > f.End && f.End != "" {
			return fmt.Errorf("%w: range filter start %q after end %q", ErrInvalidInput, f.Start, f.End)
		}
	case FilterKeys:
		if len(f.Keys) == 0 {
			return fmt.Errorf("%w: keys filter requires at least one key", ErrInvalidInput)
		}
	case FilterKeyPattern:
		if f.Pattern == "" {
			return fmt.Errorf("%w: pattern filter requires a pattern", ErrInvalidInput)
		}
		if _, err := path.Match(f.Pattern, ""); err != nil {
			return fmt.Errorf("%w: malformed pattern %q", ErrInvalidInput, f.Pattern)
		}
	default:
		return fmt.Errorf("%w: unknown filter kind %q", ErrInvalidInput, f.Kind)
	}
	return nil
}

// Matches reports whether the filter selects key.
func (f Filter) Matches(key string) bool {
	switch f.Kind {
	case FilterKey:
		return key == f.Key
	case FilterKeyPrefix:
		return strings.HasPrefix(key, f.Prefix)
	case FilterKeyRange:
		if f.End == "" {
			return key >= f.Start
		}
		return key >= f.Start && key <= f.End
	case FilterKeys:
		for _, k := range f.Keys {
			if key == k {
				return true
			}
		}
		return false
	case FilterKeyPattern:
		// RangeSet rejects keys containing '/', so path.Match gives
		// glob semantics where '*' spans the whole key.
		ok, err := path.Match(f.Pattern, key)
		return err == nil && ok
	default:
		return false
	}
}
