// Package native loads the speech engine DLL and keeps at most one loaded
// instance per engine file for the life of the process.
package native

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/loqalabs/loqa-aitalk/internal/aitalk"
)

// ErrUnsupported is returned where the native engine cannot be loaded.
var ErrUnsupported = errors.New("native aitalk engine is only available on windows/386")

// Library is a loaded engine.
type Library interface {
	aitalk.Engine
	Close() error
}

// LoadFunc loads the engine at an absolute path.
type LoadFunc func(path string) (Library, error)

// Registry maps resolved engine paths to loaded libraries. The engine keeps
// process-wide state, so two paths that resolve to one file share a library.
type Registry struct {
	load LoadFunc

	mu   sync.Mutex
	libs map[string]Library
}

// NewRegistry returns a registry that loads libraries with load.
func NewRegistry(load LoadFunc) *Registry {
	return &Registry{load: load, libs: make(map[string]Library)}
}

var defaultRegistry = NewRegistry(loadDLL)

// Open loads dll from installDir through the process registry.
func Open(installDir, dll string) (Library, error) {
	return defaultRegistry.Open(installDir, dll)
}

// CloseAll unloads every library in the process registry.
func CloseAll() error { return defaultRegistry.CloseAll() }

// Open resolves installDir/dll and returns the library loaded from it,
// loading it on first use with installDir as the working directory.
func (r *Registry) Open(installDir, dll string) (Library, error) {
	path := dll
	if !filepath.IsAbs(path) {
		path = filepath.Join(installDir, dll)
	}
	key, err := resolve(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if lib, ok := r.libs[key]; ok {
		return lib, nil
	}
	var lib Library
	err = aitalk.WithWorkingDir(installDir, func() error {
		var lerr error
		lib, lerr = r.load(key)
		return lerr
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	r.libs[key] = lib
	return lib, nil
}

// Len reports how many libraries are loaded.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.libs)
}

// CloseAll unloads every library.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for key, lib := range r.libs {
		if err := lib.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
		delete(r.libs, key)
	}
	return errors.Join(errs...)
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve engine path: %w", err)
	}
	return resolved, nil
}
