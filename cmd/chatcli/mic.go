package main

import (
	"context"
	"mime"
	"os"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"marketplace-chat/internal/client/attachment"
)

// containerAliases lists sniffed types that carry the audio container named by the key.
var containerAliases = map[string][]string{
	"audio/webm": {"audio/webm", "video/webm"},
	"audio/ogg":  {"audio/ogg", "application/ogg"},
	"audio/mp4":  {"audio/mp4", "video/mp4"},
	"audio/mpeg": {"audio/mpeg"},
}

// fileMicrophone stands in for a capture device by streaming an audio file.
type fileMicrophone struct {
	mu   sync.Mutex
	path string
}

func (m *fileMicrophone) use(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.path = path
}

func (m *fileMicrophone) source() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

func (m *fileMicrophone) Supports(mimeType string) bool {
	path := m.source()
	if path == "" {
		return false
	}
	media, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return false
	}
	for _, t := range containerAliases[media] {
		if detected.Is(t) {
			return true
		}
	}
	return false
}

func (m *fileMicrophone) Open(_ context.Context, _ string) (attachment.AudioStream, error) {
	f, err := os.Open(m.source())
	if os.IsPermission(err) {
		return nil, attachment.ErrPermissionDenied
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}
