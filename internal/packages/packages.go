// Package packages supplies engine.PackageSource implementations: given a
// content-addressed package hash, return the entry module's JavaScript
// source. Package upload and artifact management are handled by an external
// collaborator (see DESIGN.md); this package only reads what that
// collaborator has already placed on disk, the minimal surface the
// Execution Engine actually depends on.
package packages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/r3e-network/serverless-gateway/internal/apierrors"
)

// FilesystemSource loads entry-module source from a directory where each
// package version's unpacked artifact root contains an entry.js file named
// by its content hash, grounded on §4.4's "unpacked in a temp dir owned by
// the engine" filesystem model — the engine trusts the directory layout an
// upstream deploy step already produced, it never unpacks an archive
// itself.
type FilesystemSource struct {
	root string
}

// NewFilesystemSource builds a FilesystemSource rooted at dir.
func NewFilesystemSource(dir string) *FilesystemSource {
	return &FilesystemSource{root: dir}
}

// Load implements engine.PackageSource. The package hash is used verbatim
// as a path component, so callers must only ever pass hashes computed by
// this system's own build/deploy step, never untrusted input.
func (s *FilesystemSource) Load(_ context.Context, packageHash string) (string, error) {
	if packageHash == "" {
		return "", apierrors.PackageLoadError(fmt.Errorf("packages: empty package hash"))
	}
	path := filepath.Join(s.root, packageHash, "entry.js")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", apierrors.PackageLoadError(fmt.Errorf("packages: read %s: %w", path, err))
	}
	return string(data), nil
}

// VirtualRoot returns the directory the loaded package's filesystem sandbox
// (internal/sandbox.FS) should be rooted at for packageHash, so the engine
// can bind read-only filesystem access to the same artifact the entry
// module was loaded from.
func (s *FilesystemSource) VirtualRoot(packageHash string) string {
	return filepath.Join(s.root, packageHash)
}
