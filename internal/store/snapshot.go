package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrCorruptSnapshot is returned by Load when stored data cannot be decoded.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// Snapshotter persists store snapshots. Load returns an empty Snapshot and a
// nil error when nothing has been saved yet.
type Snapshotter interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// FileSnapshotter keeps the snapshot in a JSON file.
type FileSnapshotter struct {
	path string
	mu   sync.Mutex
}

// NewFileSnapshotter creates a snapshotter writing to path.
func NewFileSnapshotter(path string) *FileSnapshotter {
	return &FileSnapshotter{path: path}
}

// Path returns the file the snapshot lives in.
func (f *FileSnapshotter) Path() string {
	return f.path
}

// Load reads the snapshot from disk. A corrupt file is moved aside to
// <path>.backup so the next save starts clean.
func (f *FileSnapshotter) Load(ctx context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{Version: snapshotVersion}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read state file: %w", err)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		backupPath := f.path + ".backup"
		if rerr := os.Rename(f.path, backupPath); rerr != nil {
			return Snapshot{}, fmt.Errorf("%w (could not move it aside: %v)", err, rerr)
		}
		return Snapshot{}, fmt.Errorf("%w (moved to %s)", err, backupPath)
	}
	return snap, nil
}

// Save writes the snapshot through a uniquely named temp file and an atomic
// rename, so processes sharing the file never write into each other's temp.
func (f *FileSnapshotter) Save(ctx context.Context, snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if snap.Version > snapshotVersion {
		return Snapshot{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, snap.Version)
	}
	return snap, nil
}
