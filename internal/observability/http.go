package observability

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-Id"
	HeaderDeviceID  = "X-Device-Id"
)

// RequestMeta is the caller metadata attached to logs, sockets and published events.
type RequestMeta struct {
	RequestID string
	DeviceID  string
	IP        string
}

// MetaFromRequest reads the caller metadata from r. RequestID is empty when the
// caller did not send one; use EnsureRequestID to assign it.
func MetaFromRequest(r *http.Request) RequestMeta {
	return RequestMeta{
		RequestID: r.Header.Get(HeaderRequestID),
		DeviceID:  r.Header.Get(HeaderDeviceID),
		IP:        clientIP(r),
	}
}

// EnsureRequestID returns the request id of r, generating and storing one when absent.
func EnsureRequestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	id := uuid.NewString()
	r.Header.Set(HeaderRequestID, id)
	return id
}

func clientIP(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-Ip")); real != "" {
		return real
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
