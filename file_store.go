package ordersaga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// FileStore provides a file-based implementation of SagaStateStore that
// persists each saga as a JSON file named after its correlation id. Useful
// for single-node deployments and for inspecting saga progress on disk.
type FileStore struct {
	basePath string
	mu       sync.Mutex // Protects file operations
}

// NewFileStore creates a new file-based store that saves saga state to the
// specified directory.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{basePath: basePath}, nil
}

// Save persists the saga state to a JSON file after checking the version
// against the file already on disk.
func (f *FileStore) Save(ctx context.Context, state *SagaState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	filename := f.filename(state.CorrelationID)
	if existing, err := f.read(filename); err == nil {
		if existing.Version != state.Version {
			return ErrVersionConflict
		}
	} else if !errors.Is(err, ErrSagaNotFound) {
		return err
	}

	stored := state.clone()
	stored.Version++

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Write through a temp file so a crash mid-write never leaves a torn
	// state file behind.
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	state.Version = stored.Version
	return nil
}

// GetByCorrelationID retrieves the saga state from its JSON file.
func (f *FileStore) GetByCorrelationID(ctx context.Context, id uuid.UUID) (*SagaState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.read(f.filename(id))
}

func (f *FileStore) read(filename string) (*SagaState, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSagaNotFound
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state SagaState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return &state, nil
}

// filename returns the full path for a saga's state file.
func (f *FileStore) filename(id uuid.UUID) string {
	return filepath.Join(f.basePath, id.String()+".json")
}
