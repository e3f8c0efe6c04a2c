package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/storage"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 32)...)

func setupFileRouter(t *testing.T, maxBytes int64) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	handler := NewFileHandler(store, storage.NewSigner("secret", "http://files.test", time.Minute), maxBytes, zerolog.Nop())

	r := gin.New()
	authed := r.Group("/", func(c *gin.Context) {
		c.Set(middleware.UserIDKey, "u1")
		c.Next()
	})
	authed.POST("/files/generate-presigned-url", handler.Presign)
	r.PUT("/uploads/:key", handler.Upload)
	r.GET("/files/:key", handler.Download)
	r.GET("/healthz", Health)
	return r
}

func presign(t *testing.T, r *gin.Engine, fileName, fileType string) (uploadPath, filePath string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"fileName": fileName, "fileType": fileType})
	req := httptest.NewRequest(http.MethodPost, "/files/generate-presigned-url", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		UploadURL string `json:"uploadUrl"`
		FileURL   string `json:"fileUrl"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	up, err := url.Parse(resp.UploadURL)
	require.NoError(t, err)
	file, err := url.Parse(resp.FileURL)
	require.NoError(t, err)
	return up.RequestURI(), file.RequestURI()
}

func put(r *gin.Engine, path, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestUploadAndDownloadImage(t *testing.T) {
	r := setupFileRouter(t, 1024)
	uploadPath, filePath := presign(t, r, "photo.png", "image/png")

	rec := put(r, uploadPath, "image/png", pngBytes)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, filePath, nil)
	got := httptest.NewRecorder()
	r.ServeHTTP(got, req)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, "image/png", got.Header().Get("Content-Type"))
	body, _ := io.ReadAll(got.Body)
	assert.Equal(t, pngBytes, body)
}

func TestPresignRejectsUnsupportedType(t *testing.T) {
	r := setupFileRouter(t, 1024)
	body, _ := json.Marshal(map[string]string{"fileName": "x.exe", "fileType": "application/x-msdownload"})
	req := httptest.NewRequest(http.MethodPost, "/files/generate-presigned-url", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestUploadRejections(t *testing.T) {
	r := setupFileRouter(t, 32)

	t.Run("tampered signature", func(t *testing.T) {
		uploadPath, _ := presign(t, r, "a.png", "image/png")
		rec := put(r, uploadPath+"0", "image/png", pngBytes[:16])
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("content type differs from signed", func(t *testing.T) {
		uploadPath, _ := presign(t, r, "a.png", "image/png")
		rec := put(r, uploadPath, "image/jpeg", pngBytes[:16])
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("content is not the declared type", func(t *testing.T) {
		uploadPath, _ := presign(t, r, "a.png", "image/png")
		rec := put(r, uploadPath, "image/png", []byte("definitely not a png"))
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})

	t.Run("oversize", func(t *testing.T) {
		uploadPath, _ := presign(t, r, "a.png", "image/png")
		rec := put(r, uploadPath, "image/png", pngBytes)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestDownloadMissing(t *testing.T) {
	r := setupFileRouter(t, 1024)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/nope.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	r := setupFileRouter(t, 1024)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
