// Package testing provides SSH mock utilities for testing.
// This package simulates a remote machine with an in-memory filesystem.
package testing

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// MockFile is one file in the mock filesystem.
type MockFile struct {
	Content []byte
	Mode    os.FileMode
	Owner   string
	Group   string
}

// MockFS simulates an in-memory remote filesystem.
// It supports the operations a provisioning session performs: upload, install, rm.
type MockFS struct {
	mu    sync.RWMutex
	files map[string]*MockFile
}

// NewMockFS creates a new empty mock filesystem.
func NewMockFS() *MockFS {
	return &MockFS{
		files: make(map[string]*MockFile),
	}
}

// WriteFile writes content with the given mode, replacing any existing file.
// Ownership defaults to root:root.
func (fs *MockFS) WriteFile(path string, content []byte, mode os.FileMode) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.files[filepath.Clean(path)] = &MockFile{
		Content: append([]byte(nil), content...),
		Mode:    mode,
		Owner:   "root",
		Group:   "root",
	}
}

// Stat returns a copy of the file at path.
func (fs *MockFS) Stat(path string) (MockFile, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	f, ok := fs.files[filepath.Clean(path)]
	if !ok {
		return MockFile{}, errors.New("file not found")
	}
	return *f, nil
}

// ReadFile reads the content of a file. Returns error if file doesn't exist.
func (fs *MockFS) ReadFile(path string) ([]byte, error) {
	f, err := fs.Stat(path)
	if err != nil {
		return nil, err
	}
	return f.Content, nil
}

// Install copies src to dst with the given mode and ownership, like install(1).
func (fs *MockFS) Install(src, dst string, mode os.FileMode, owner, group string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, ok := fs.files[filepath.Clean(src)]
	if !ok {
		return errors.New("cannot stat '" + src + "': No such file or directory")
	}
	fs.files[filepath.Clean(dst)] = &MockFile{
		Content: append([]byte(nil), f.Content...),
		Mode:    mode,
		Owner:   owner,
		Group:   group,
	}
	return nil
}

// Remove deletes a file. Missing files are not an error, like rm -f.
func (fs *MockFS) Remove(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.files, filepath.Clean(path))
}

// Exists returns true if a file exists at path.
func (fs *MockFS) Exists(path string) bool {
	_, err := fs.Stat(path)
	return err == nil
}

// Paths returns every file path currently stored.
func (fs *MockFS) Paths() []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	paths := make([]string, 0, len(fs.files))
	for p := range fs.files {
		paths = append(paths, p)
	}
	return paths
}
