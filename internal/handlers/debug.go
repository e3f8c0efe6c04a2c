package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/presence"
	"marketplace-chat/internal/telemetry"
	"marketplace-chat/internal/ws"
)

// HubStatser reports live socket counts.
type HubStatser interface {
	Stats() ws.HubStats
}

// Debug groups the dependencies of the development-only endpoints.
type Debug struct {
	Hub      HubStatser
	Presence presence.Registry
	Audit    *telemetry.Auditor
}

// RegisterDebugRoutes mounts the debug endpoints when enabled is true.
func RegisterDebugRoutes(router gin.IRouter, d Debug, enabled bool) {
	if !enabled {
		return
	}
	router.GET("/debug/hub", d.hubStats)
	router.GET("/debug/presence", d.onlineUsers)
	router.POST("/debug/audit-probe", d.auditProbe)
}

func (d Debug) hubStats(c *gin.Context) {
	if d.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hub not configured"})
		return
	}
	c.JSON(http.StatusOK, d.Hub.Stats())
}

// onlineUsers answers GET /debug/presence?users=a,b.
func (d Debug) onlineUsers(c *gin.Context) {
	if d.Presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence not configured"})
		return
	}
	var ids []string
	for _, id := range strings.Split(c.Query("users"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "users is required"})
		return
	}
	online, err := d.Presence.Online(c.Request.Context(), ids)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": online})
}

func (d Debug) auditProbe(c *gin.Context) {
	if d.Audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auditor not configured"})
		return
	}
	d.Audit.Record(c.Request.Context(), telemetry.AuditRecord{
		Action:    telemetry.AuditProbe,
		ActorID:   userIDFromContext(c),
		RequestID: requestIDFromContext(c),
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}
