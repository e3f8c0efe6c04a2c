package handlers

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/storage"
)

const sniffLen = 3072

// uploadTypes maps accepted declared media types to the sniffed types that may back them.
var uploadTypes = map[string][]string{
	"image/jpeg": {"image/jpeg"},
	"image/png":  {"image/png"},
	"image/gif":  {"image/gif"},
	"image/webp": {"image/webp"},
	"audio/webm": {"audio/webm", "video/webm"},
	"audio/ogg":  {"audio/ogg", "application/ogg"},
	"audio/mp4":  {"audio/mp4", "video/mp4"},
	"audio/mpeg": {"audio/mpeg"},
}

type presignRequest struct {
	FileName string `json:"fileName" binding:"required"`
	FileType string `json:"fileType" binding:"required"`
}

// FileHandler issues presigned upload URLs and serves uploaded attachments.
type FileHandler struct {
	store    storage.Store
	signer   *storage.Signer
	maxBytes int64
	logger   zerolog.Logger
}

// NewFileHandler builds a FileHandler.
func NewFileHandler(store storage.Store, signer *storage.Signer, maxBytes int64, logger zerolog.Logger) *FileHandler {
	return &FileHandler{store: store, signer: signer, maxBytes: maxBytes, logger: logger}
}

// Presign answers POST /files/generate-presigned-url.
func (h *FileHandler) Presign(c *gin.Context) {
	var req presignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileName and fileType are required"})
		return
	}
	if _, ok := uploadTypes[baseType(req.FileType)]; !ok {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported file type"})
		return
	}

	presigned := h.signer.Presign(req.FileName, req.FileType)
	h.logger.Debug().
		Str("request_id", requestIDFromContext(c)).
		Str("user_id", userIDFromContext(c)).
		Str("key", presigned.Key).
		Msg("upload url issued")
	c.JSON(http.StatusOK, presigned)
}

// Upload answers PUT /uploads/:key. The signed query string is the only credential.
func (h *FileHandler) Upload(c *gin.Context) {
	key := c.Param("key")
	contentType := c.Query("ct")
	if err := h.signer.Verify(key, contentType, c.Query("expires"), c.Query("sig")); err != nil {
		h.reject(c, http.StatusForbidden, "invalid_signature", err.Error())
		return
	}
	if c.GetHeader("Content-Type") != contentType {
		h.reject(c, http.StatusBadRequest, "content_type_mismatch", "content type does not match the signed upload")
		return
	}
	if c.Request.ContentLength > h.maxBytes {
		h.reject(c, http.StatusRequestEntityTooLarge, "oversize", "file too large")
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		h.uploadReadFailed(c, err)
		return
	}
	head = head[:n]
	if n == 0 {
		h.reject(c, http.StatusBadRequest, "empty", "empty upload")
		return
	}
	if !contentMatches(head, contentType) {
		h.reject(c, http.StatusUnsupportedMediaType, "content_mismatch", "file content does not match its type")
		return
	}

	obj, err := h.store.Put(c.Request.Context(), storage.Object{Key: key, ContentType: contentType}, io.MultiReader(bytes.NewReader(head), body))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(c, http.StatusRequestEntityTooLarge, "oversize", "file too large")
			return
		}
		h.logger.Error().Err(err).Str("key", key).Msg("store upload failed")
		h.reject(c, http.StatusInternalServerError, "store_error", "failed to store file")
		return
	}

	observability.IncUpload("ok")
	h.logger.Info().Str("key", key).Int64("size", obj.Size).Str("content_type", contentType).Msg("upload stored")
	c.Status(http.StatusOK)
}

// Download answers GET /files/:key.
func (h *FileHandler) Download(c *gin.Context) {
	rc, obj, err := h.store.Get(c.Request.Context(), c.Param("key"))
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidKey) {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("key", c.Param("key")).Msg("load file failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load file"})
		return
	}
	defer rc.Close()

	c.Header("Cache-Control", "private, max-age=86400")
	c.DataFromReader(http.StatusOK, obj.Size, obj.ContentType, rc, nil)
}

func (h *FileHandler) uploadReadFailed(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.reject(c, http.StatusRequestEntityTooLarge, "oversize", "file too large")
		return
	}
	h.reject(c, http.StatusBadRequest, "read_error", "failed to read upload")
}

func (h *FileHandler) reject(c *gin.Context, status int, outcome, message string) {
	observability.IncUpload(outcome)
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func baseType(contentType string) string {
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return media
}

func contentMatches(head []byte, declared string) bool {
	allowed, ok := uploadTypes[baseType(declared)]
	if !ok {
		return false
	}
	detected := mimetype.Detect(head)
	for _, t := range allowed {
		if detected.Is(t) {
			return true
		}
	}
	return false
}
