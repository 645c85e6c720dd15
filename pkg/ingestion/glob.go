// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingestion

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// pathFilter decides which walked paths stay out of the index.
//
// Directory names are matched against the base name of every directory.
// Exclude globs follow .gitignore conventions: a pattern without a slash
// matches at any depth, a leading slash or an inner slash anchors it to the
// repository root, a trailing slash selects a directory and its contents,
// and ** spans any number of path segments. Within a segment, *, ? and
// character classes ([a-z], [!a-z]) behave as in path.Match.
type pathFilter struct {
	dirNames []string
	globs    [][]string
}

// newPathFilter compiles the exclusion rules of a load. A malformed pattern
// is reported instead of silently matching nothing.
func newPathFilter(excludeDirs, excludeGlobs []string) (*pathFilter, error) {
	f := &pathFilter{}
	for _, name := range excludeDirs {
		name = strings.Trim(filepath.ToSlash(strings.TrimSpace(name)), "/")
		if name == "" {
			continue
		}
		if err := checkSegment(name); err != nil {
			return nil, &ConfigurationError{Field: "indexing.exclude_dirs", Reason: err.Error()}
		}
		f.dirNames = append(f.dirNames, name)
	}
	for _, glob := range excludeGlobs {
		segs := compileGlob(glob)
		if segs == nil {
			continue
		}
		for _, seg := range segs {
			if err := checkSegment(seg); err != nil {
				return nil, &ConfigurationError{Field: "indexing.exclude", Reason: fmt.Sprintf("%q: %v", glob, err)}
			}
		}
		f.globs = append(f.globs, segs)
	}
	return f, nil
}

// compileGlob normalizes an exclude pattern into path segments.
func compileGlob(pattern string) []string {
	p := filepath.ToSlash(strings.TrimSpace(pattern))
	anchored := strings.HasPrefix(p, "/")
	dirOnly := strings.HasSuffix(p, "/")
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	if !anchored && !strings.Contains(p, "/") {
		p = "**/" + p
	}
	if dirOnly {
		p += "/**"
	}
	p = strings.ReplaceAll(p, "[!", "[^")

	segs := strings.Split(p, "/")
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		// a//b and repeated ** collapse
		if s == "" || (s == "**" && len(out) > 0 && out[len(out)-1] == "**") {
			continue
		}
		out = append(out, s)
	}
	return out
}

func checkSegment(seg string) error {
	if seg == "**" {
		return nil
	}
	if _, err := path.Match(seg, ""); err != nil {
		return fmt.Errorf("bad pattern %q", seg)
	}
	return nil
}

// skipDir reports whether the directory at rel, a slash-separated path
// relative to the root, is pruned from the walk.
func (f *pathFilter) skipDir(rel string) bool {
	name := path.Base(rel)
	for _, pattern := range f.dirNames {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return f.matches(rel)
}

// skipFile reports whether the file at rel is left out.
func (f *pathFilter) skipFile(rel string) bool {
	return f.matches(rel)
}

func (f *pathFilter) matches(rel string) bool {
	segs := strings.Split(rel, "/")
	for _, glob := range f.globs {
		if matchSegments(glob, segs) {
			return true
		}
	}
	return false
}

// matchSegments matches path segments against pattern segments, letting
// ** absorb zero or more whole segments.
func matchSegments(pattern, segs []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			for i := 0; i <= len(segs); i++ {
				if matchSegments(rest, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if ok, _ := path.Match(pattern[0], segs[0]); !ok {
			return false
		}
		pattern, segs = pattern[1:], segs[1:]
	}
	return len(segs) == 0
}
