// Package local implements the "local" repository backend: on-disk,
// per-platform package repositories served over an ephemeral loopback HTTP
// server so in-progress builds can resolve artifacts produced earlier in
// the same run.
package local

import (
	"context"
	"sync"
)

// FormatHandler implements repository maintenance for one package format.
//
// Implementations must tolerate repeated Initialize calls (idempotent) and
// must invalidate same-named prior artifacts before adding new ones.
type FormatHandler interface {
	// Initialize ensures the partition's sub-repositories exist with valid
	// empty metadata. Pre-existing well-formed metadata is left untouched.
	Initialize(ctx context.Context, basePath, osName, osCodeName, arch string) error

	// ImportSource imports source artifact(s) found under artifactDir.
	ImportSource(ctx context.Context, basePath, osName, osCodeName, artifactDir string) error

	// ImportBinary imports binary artifact(s) found under artifactDir,
	// partitioning debug artifacts into the debug sub-repository.
	ImportBinary(ctx context.Context, basePath, osName, osCodeName, arch, artifactDir string) error
}

// formatForOS maps an operating system name to its package format. An OS
// absent from the table has no local repository support.
var formatForOS = map[string]string{
	"almalinux":  "rpm",
	"centos":     "rpm",
	"fedora":     "rpm",
	"rhel":       "rpm",
	"rockylinux": "rpm",
}

// pathVarOSes are the OS families whose native package manager substitutes
// $releasever/$basearch path variables in repository URLs.
var pathVarOSes = map[string]struct{}{
	"fedora": {},
	"rhel":   {},
}

var (
	handlersMu sync.RWMutex
	handlers   = map[string]FormatHandler{}
)

// RegisterFormat adds a format handler under the given format name.
func RegisterFormat(format string, h FormatHandler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	handlers[format] = h
}

// HandlerForOS resolves the format handler for an operating system. The
// second return is false when the OS has no supported package format; the
// caller is expected to disable local-repository participation for that
// platform rather than fail.
func HandlerForOS(osName string) (FormatHandler, bool) {
	format, ok := formatForOS[osName]
	if !ok {
		return nil, false
	}
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	h, ok := handlers[format]
	return h, ok
}
