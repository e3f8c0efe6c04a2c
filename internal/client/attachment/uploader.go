package attachment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const presignPath = "/files/generate-presigned-url"

// HTTPUploader uploads through the gateway's presigned URL flow.
type HTTPUploader struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPUploader builds an uploader against baseURL. A nil client gets a default with a
// generous timeout for large voice notes.
func NewHTTPUploader(baseURL, token string, client *http.Client) *HTTPUploader {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPUploader{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

type presignResponse struct {
	UploadURL string `json:"uploadUrl"`
	FileURL   string `json:"fileUrl"`
}

// Upload presigns fileName, then PUTs body to the returned URL with the exact content type
// that was signed. Any non-2xx answer fails with ErrUpload.
func (u *HTTPUploader) Upload(ctx context.Context, fileName, contentType string, body io.Reader, size int64, progress ProgressFunc) (string, error) {
	target, err := u.presign(ctx, fileName, contentType)
	if err != nil {
		return "", err
	}

	if progress != nil {
		body = &progressReader{r: body, total: size, fn: progress}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.UploadURL, body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: upload returned %s", ErrUpload, resp.Status)
	}
	return target.FileURL, nil
}

func (u *HTTPUploader) presign(ctx context.Context, fileName, contentType string) (presignResponse, error) {
	payload, err := json.Marshal(map[string]string{"fileName": fileName, "fileType": contentType})
	if err != nil {
		return presignResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+presignPath, bytes.NewReader(payload))
	if err != nil {
		return presignResponse{}, fmt.Errorf("%w: %v", ErrUpload, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.token)

	resp, err := u.client.Do(req)
	if err != nil {
		return presignResponse{}, fmt.Errorf("%w: presign: %v", ErrUpload, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnsupportedMediaType:
		return presignResponse{}, fmt.Errorf("presign %s: %w", contentType, ErrUnsupportedFormat)
	case resp.StatusCode/100 != 2:
		return presignResponse{}, fmt.Errorf("%w: presign returned %s", ErrUpload, resp.Status)
	}

	var out presignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return presignResponse{}, fmt.Errorf("%w: decode presign: %v", ErrUpload, err)
	}
	if out.UploadURL == "" || out.FileURL == "" {
		return presignResponse{}, fmt.Errorf("%w: presign response incomplete", ErrUpload)
	}
	return out, nil
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
