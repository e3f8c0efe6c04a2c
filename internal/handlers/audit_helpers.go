package handlers

import (
	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/observability"
)

// requestIDFromContext returns the id assigned by the request logger, or
// assigns one when the route runs without it.
func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(observability.RequestIDKey); id != "" {
		return id
	}
	id := observability.EnsureRequestID(c.Request)
	c.Set(observability.RequestIDKey, id)
	return id
}

func userIDFromContext(c *gin.Context) string {
	return c.GetString(middleware.UserIDKey)
}
