package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/mocks"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/telemetry"
	"marketplace-chat/internal/ws"
)

type staticStats ws.HubStats

func (s staticStats) Stats() ws.HubStats { return ws.HubStats(s) }

func debugRouter(d Debug, enabled bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	group := r.Group("/", func(c *gin.Context) {
		c.Set(middleware.UserIDKey, "u1")
		c.Next()
	})
	RegisterDebugRoutes(group, d, enabled)
	return r
}

func serve(r *gin.Engine, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set(observability.HeaderRequestID, "r1")
	r.ServeHTTP(rec, req)
	return rec
}

func TestDebugRoutesDisabled(t *testing.T) {
	r := debugRouter(Debug{Hub: staticStats{}}, false)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/debug/hub").Code)
}

func TestDebugHubStats(t *testing.T) {
	r := debugRouter(Debug{Hub: staticStats{Clients: 3, Users: 2, ChatRooms: 1}}, true)

	rec := serve(r, http.MethodGet, "/debug/hub")
	require.Equal(t, http.StatusOK, rec.Code)
	var got ws.HubStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, ws.HubStats{Clients: 3, Users: 2, ChatRooms: 1}, got)
}

func TestDebugPresence(t *testing.T) {
	registry := new(mocks.PresenceRegistryMock)
	registry.On("Online", mock.Anything, []string{"u2", "u3"}).Return(map[string]bool{"u2": true, "u3": false}, nil).Once()
	r := debugRouter(Debug{Presence: registry}, true)

	rec := serve(r, http.MethodGet, "/debug/presence?users=u2,%20u3,")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"online":{"u2":true,"u3":false}}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, "/debug/presence").Code)
	registry.AssertExpectations(t)
}

func TestDebugAuditProbe(t *testing.T) {
	pub := new(mocks.PublisherMock)
	pub.ExpectPublish("audit.logs", func(ev any) bool {
		return assert.ObjectsAreEqual(telemetry.AuditProbe, auditAction(ev))
	}).Return(nil).Once()
	auditor := telemetry.NewAuditor(pub, "audit.logs", "marketplace-chat", "test", zerolog.Nop())
	r := debugRouter(Debug{Audit: auditor}, true)

	assert.Equal(t, http.StatusAccepted, serve(r, http.MethodPost, "/debug/audit-probe").Code)
	pub.AssertExpectations(t)

	r = debugRouter(Debug{}, true)
	assert.Equal(t, http.StatusServiceUnavailable, serve(r, http.MethodPost, "/debug/audit-probe").Code)
}

// auditAction pulls the action out of a published audit entry.
func auditAction(ev any) telemetry.AuditAction {
	raw, err := json.Marshal(ev)
	if err != nil {
		return ""
	}
	var out struct {
		Action telemetry.AuditAction `json:"action"`
	}
	_ = json.Unmarshal(raw, &out)
	return out.Action
}
