// Package storage holds uploaded attachment blobs and signs direct-upload URLs for them.
package storage

import (
	"context"
	"errors"
	"io"
	"regexp"
	"time"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidKey = errors.New("invalid blob key")
)

// Object describes a stored blob.
type Object struct {
	Key         string    `json:"key"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	UploadedBy  string    `json:"uploadedBy,omitempty"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Store persists blobs by key.
type Store interface {
	Put(ctx context.Context, obj Object, content io.Reader) (Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, Object, error)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidKey reports whether key is safe to use as a flat object name.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key) && key != "." && key != ".."
}
