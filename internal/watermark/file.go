package watermark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
	"github.com/gofrs/flock"
)

// DefaultFileName is resolved against the working directory.
const DefaultFileName = "lastProcessedBlock.json"

type fileState struct {
	LastBlock string `json:"lastBlock"`
}

// FileStore keeps the watermark in a small JSON document.
type FileStore struct {
	path string
	lock *flock.Flock
}

var (
	_ Store  = (*FileStore)(nil)
	_ Locker = (*FileStore)(nil)
)

func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultFileName
	}
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(_ context.Context) (model.BlockNumber, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", s.path, err)
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return 0, fmt.Errorf("decode %s: %w", s.path, err)
	}
	block, err := model.ParseBlockNumber(state.LastBlock)
	if err != nil {
		return 0, fmt.Errorf("decode %s: lastBlock: %w", s.path, err)
	}
	return block, nil
}

func (s *FileStore) Save(_ context.Context, block model.BlockNumber) error {
	data, err := json.Marshal(fileState{LastBlock: block.String()})
	if err != nil {
		return fmt.Errorf("encode watermark: %w", err)
	}
	return writeAtomic(s.path, data)
}

// Acquire takes an exclusive advisory lock on <path>.lock without blocking.
func (s *FileStore) Acquire(_ context.Context) (func(), error) {
	locked, err := s.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", s.lock.Path(), err)
	}
	if !locked {
		return nil, ErrLocked
	}
	return func() { _ = s.lock.Unlock() }, nil
}

// writeAtomic replaces path with data via a synced temp file and rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	return nil
}
