// Package platform defines the target platform triple used to key build
// jobs and repository partitions.
package platform

import (
	"fmt"
	"sort"
	"strings"
)

// Platform identifies one build target as an (os, os release, architecture)
// triple, e.g. {"rhel", "9", "x86_64"}.
//
// Platform is a comparable value type and is used directly as a map key.
type Platform struct {
	OS       string
	CodeName string
	Arch     string
}

// String returns the canonical "os:codename:arch" form.
func (p Platform) String() string {
	return p.OS + ":" + p.CodeName + ":" + p.Arch
}

// Parse parses the canonical "os:codename:arch" form produced by String.
func Parse(s string) (Platform, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Platform{}, fmt.Errorf("invalid platform %q: expected os:codename:arch", s)
	}
	return Platform{OS: parts[0], CodeName: parts[1], Arch: parts[2]}, nil
}

// MatrixFromTargets flattens a build-file targets mapping
// (os -> codename -> [arch, ...]) into a sorted, de-duplicated slice.
func MatrixFromTargets(targets map[string]map[string][]string) []Platform {
	seen := map[Platform]struct{}{}
	for osName, codeNames := range targets {
		for codeName, arches := range codeNames {
			for _, arch := range arches {
				seen[Platform{OS: osName, CodeName: codeName, Arch: arch}] = struct{}{}
			}
		}
	}

	out := make([]Platform, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// OSNames returns the distinct operating system names in the matrix.
func OSNames(matrix []Platform) []string {
	seen := map[string]struct{}{}
	for _, p := range matrix {
		seen[p.OS] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
