package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBadSignature = errors.New("upload signature mismatch")
	ErrURLExpired   = errors.New("upload url expired")
)

// Presigned is the answer to a presign request.
type Presigned struct {
	Key       string    `json:"-"`
	UploadURL string    `json:"uploadUrl"`
	FileURL   string    `json:"fileUrl"`
	ExpiresAt time.Time `json:"-"`
}

// Signer issues and verifies time-limited upload URLs bound to a key and content type.
type Signer struct {
	key     []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewSigner builds a Signer whose URLs are rooted at baseURL.
func NewSigner(signingKey, baseURL string, ttl time.Duration) *Signer {
	return &Signer{
		key:     []byte(signingKey),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Presign allocates a fresh blob key for fileName and signs an upload URL for it.
func (s *Signer) Presign(fileName, contentType string) Presigned {
	key := uuid.NewString() + sanitizeExt(fileName)
	expires := s.now().Add(s.ttl).Unix()

	q := url.Values{}
	q.Set("ct", contentType)
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(key, contentType, expires))

	return Presigned{
		Key:       key,
		UploadURL: s.baseURL + "/uploads/" + key + "?" + q.Encode(),
		FileURL:   s.FileURL(key),
		ExpiresAt: time.Unix(expires, 0),
	}
}

// FileURL is the durable public URL of key.
func (s *Signer) FileURL(key string) string {
	return s.baseURL + "/files/" + key
}

// Verify checks an upload against the signed query values.
func (s *Signer) Verify(key, contentType, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	want := s.sign(key, contentType, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	if s.now().Unix() > exp {
		return ErrURLExpired
	}
	return nil
}

func (s *Signer) sign(key, contentType string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(contentType))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func sanitizeExt(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if len(ext) < 2 || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
