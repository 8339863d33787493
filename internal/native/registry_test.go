package native

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-aitalk/internal/aitalk/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLibrary struct {
	*simulator.Engine
	closed int
}

func (f *fakeLibrary) Close() error {
	f.closed++
	return nil
}

func TestRegistryLoadsOncePerResolvedPath(t *testing.T) {
	dir := t.TempDir()
	dll := filepath.Join(dir, "aitalked.dll")
	require.NoError(t, os.WriteFile(dll, []byte("MZ"), 0o644))
	link := filepath.Join(dir, "link.dll")
	if err := os.Symlink(dll, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	var loads []string
	var lib *fakeLibrary
	r := NewRegistry(func(path string) (Library, error) {
		loads = append(loads, path)
		lib = &fakeLibrary{Engine: simulator.New(simulator.Config{})}
		return lib, nil
	})

	first, err := r.Open(dir, "aitalked.dll")
	require.NoError(t, err)
	second, err := r.Open(dir, "link.dll")
	require.NoError(t, err)
	third, err := r.Open("", dll)
	require.NoError(t, err)

	assert.Len(t, loads, 1)
	assert.Same(t, first, second)
	assert.Same(t, first, third)
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.CloseAll())
	assert.Equal(t, 1, lib.closed)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryMissingFile(t *testing.T) {
	r := NewRegistry(func(string) (Library, error) {
		t.Fatal("loader must not run for a missing file")
		return nil, nil
	})
	_, err := r.Open(t.TempDir(), "missing.dll")
	require.Error(t, err)
}

func TestRegistryLoadError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "aitalked.dll"), nil, 0o644))
	r := NewRegistry(func(string) (Library, error) { return nil, ErrUnsupported })
	_, err := r.Open(dir, "aitalked.dll")
	require.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, 0, r.Len())
	assert.False(t, errors.Is(err, os.ErrNotExist))
}
