package aitalk

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// The working directory is process-wide, so every switch is serialised.
var workdirMu sync.Mutex

// WithWorkingDir runs fn with dir as the process working directory and
// restores the previous one afterwards. An empty dir runs fn in place.
func WithWorkingDir(dir string, fn func() error) (err error) {
	if dir == "" {
		return fn()
	}
	workdirMu.Lock()
	defer workdirMu.Unlock()

	orig, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working dir: %w", err)
	}
	if err := os.Chdir(dir); err != nil {
		return fmt.Errorf("enter install dir: %w", err)
	}
	defer func() {
		if cerr := os.Chdir(orig); cerr != nil {
			err = errors.Join(err, fmt.Errorf("restore working dir: %w", cerr))
		}
	}()
	return fn()
}
