package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// VerdantFS is the filesystem config and setups are read from. Path
// resolution goes through it as well so tests can run in memory with a
// fixed working and home directory.
type VerdantFS interface {
	afero.Fs
	// Resolve makes path absolute, expanding a leading "~/".
	Resolve(path string) (string, error)
	HomeDir() (string, error)
}

type verdantFS struct {
	afero.Fs
	cwd  func() (string, error)
	home func() (string, error)
}

func NewVerdantOSFS() VerdantFS {
	return &verdantFS{Fs: afero.NewOsFs(), cwd: os.Getwd, home: os.UserHomeDir}
}

// NewVerdantMemFS works from "/" with "/home/verdant" as home.
func NewVerdantMemFS() VerdantFS {
	return &verdantFS{Fs: afero.NewMemMapFs(), cwd: fixedDir("/"), home: fixedDir("/home/verdant")}
}

func fixedDir(dir string) func() (string, error) {
	return func() (string, error) { return dir, nil }
}

func (v *verdantFS) HomeDir() (string, error) {
	return v.home()
}

func (v *verdantFS) Resolve(path string) (string, error) {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		home, err := v.home()
		if err != nil {
			return "", fmt.Errorf("find home directory: %w", err)
		}
		path = filepath.Join(home, rest)
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	cwd, err := v.cwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, path), nil
}
