package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"bar-backfill/internal/fsx"
	"bar-backfill/internal/model"
)

// FileStore keeps one JSON file per pair: {dir}/{instrument}_{resolution}.json.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(pair model.Pair) string {
	return filepath.Join(s.dir, url.PathEscape(pair.Instrument)+"_"+string(pair.Resolution)+".json")
}

func (s *FileStore) Load(_ context.Context, pair model.Pair) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(pair))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", pair, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", pair, err)
	}
	return &cp, nil
}

func (s *FileStore) Save(_ context.Context, cp Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	if err := fsx.WriteFileAtomic(s.path(cp.Pair()), data, 0644); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Pair(), err)
	}
	return nil
}
