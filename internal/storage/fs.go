package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// FSStore keeps blobs as files in a directory, with a JSON sidecar for metadata.
type FSStore struct {
	dir string
}

// NewFSStore creates dir if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) Put(_ context.Context, obj Object, content io.Reader) (Object, error) {
	if !ValidKey(obj.Key) {
		return Object{}, ErrInvalidKey
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return Object{}, err
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, content)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Object{}, fmt.Errorf("write blob: %w", err)
	}

	obj.Size = size
	obj.UploadedAt = time.Now().UTC()
	meta, err := json.Marshal(obj)
	if err != nil {
		return Object{}, err
	}
	if err := os.WriteFile(s.metaPath(obj.Key), meta, 0o640); err != nil {
		return Object{}, fmt.Errorf("write blob metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(obj.Key)); err != nil {
		return Object{}, fmt.Errorf("commit blob: %w", err)
	}
	return obj, nil
}

func (s *FSStore) Get(_ context.Context, key string) (io.ReadCloser, Object, error) {
	if !ValidKey(key) {
		return nil, Object{}, ErrInvalidKey
	}
	raw, err := os.ReadFile(s.metaPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, Object{}, ErrNotFound
	}
	if err != nil {
		return nil, Object{}, err
	}
	var obj Object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, Object{}, fmt.Errorf("decode blob metadata: %w", err)
	}
	f, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, Object{}, ErrNotFound
	}
	if err != nil {
		return nil, Object{}, err
	}
	return f, obj, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.dir, key)
}

func (s *FSStore) metaPath(key string) string {
	return filepath.Join(s.dir, key+".meta.json")
}
