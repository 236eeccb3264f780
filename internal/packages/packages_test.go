package packages

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/serverless-gateway/internal/apierrors"
)

func TestFilesystemSource_LoadsEntryModule(t *testing.T) {
	dir := t.TempDir()
	hash := "abc123"
	require.NoError(t, os.MkdirAll(filepath.Join(dir, hash), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, hash, "entry.js"), []byte("module.exports.handler = () => {}"), 0o644))

	src := NewFilesystemSource(dir)
	script, err := src.Load(context.Background(), hash)

	require.NoError(t, err)
	assert.Contains(t, script, "handler")
}

func TestFilesystemSource_MissingPackageReturnsPackageLoadError(t *testing.T) {
	src := NewFilesystemSource(t.TempDir())
	_, err := src.Load(context.Background(), "missing-hash")

	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindPackageLoadError))
}

func TestFilesystemSource_EmptyHashReturnsPackageLoadError(t *testing.T) {
	src := NewFilesystemSource(t.TempDir())
	_, err := src.Load(context.Background(), "")

	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindPackageLoadError))
}
