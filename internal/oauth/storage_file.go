package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileBackend stores every server's state in one JSON document. A sibling
// lock file serializes access across processes.
type FileBackend struct {
	path string
}

// NewFileBackend creates a backend writing to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (f *FileBackend) lock() (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	lock := flock.New(f.path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock %s: %w", f.path, err)
	}
	return lock, nil
}

func (f *FileBackend) read() (map[string]*State, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}

	states := map[string]*State{}
	if len(data) == 0 {
		return states, nil
	}
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return states, nil
}

// write replaces the document atomically.
func (f *FileBackend) write(states map[string]*State) error {
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f *FileBackend) Load(_ context.Context, serverURL string) (*State, error) {
	lock, err := f.lock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	states, err := f.read()
	if err != nil {
		return nil, err
	}
	return states[serverURL], nil
}

func (f *FileBackend) Save(_ context.Context, serverURL string, state *State) error {
	lock, err := f.lock()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	states, err := f.read()
	if err != nil {
		return err
	}
	states[serverURL] = state
	return f.write(states)
}

// Update applies fn to the stored state while holding the lock, so
// concurrent writers in other processes cannot drop each other's fields.
func (f *FileBackend) Update(_ context.Context, serverURL string, fn func(*State)) error {
	lock, err := f.lock()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	states, err := f.read()
	if err != nil {
		return err
	}
	st := states[serverURL]
	if st == nil {
		st = &State{}
	}
	fn(st)
	states[serverURL] = st
	return f.write(states)
}

func (f *FileBackend) Delete(_ context.Context, serverURL string) error {
	lock, err := f.lock()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	states, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := states[serverURL]; !ok {
		return nil
	}
	delete(states, serverURL)
	return f.write(states)
}
