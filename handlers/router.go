package handlers

import (
	"net/http"

	"chat-gateway/auth"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// HealthCheck reports readiness of a dependency.
type HealthCheck func() error

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSAllowedOrigins []string
	// Health checks run on GET /health; any failure reports 503.
	Health map[string]HealthCheck
}

// NewRouter wires middleware and routes. Everything under /rpc and /chat
// requires a bearer token.
func NewRouter(h *ChatHandler, validator auth.Validator, opts RouterOptions, log zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), RequestLogger(log), Metrics(), CORS(opts.CORSAllowedOrigins))

	router.GET("/health", health(opts.Health))

	authed := router.Group("/", RequireAuth(validator))
	{
		rpc := authed.Group("/rpc")
		rpc.POST("/conversation.create", h.CreateConversation)
		rpc.GET("/conversation.listForUser", h.ListConversations)
		rpc.GET("/conversation.get", h.GetConversation)
		rpc.GET("/conversation.listTurns", h.ListTurns)
		rpc.POST("/conversation.rename", h.RenameConversation)
		rpc.POST("/conversation.archive", h.ArchiveConversation)
		rpc.POST("/conversation.delete", h.DeleteConversation)

		authed.POST("/chat", h.Chat)
	}

	return router
}

func health(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}
		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}
		c.JSON(status, gin.H{"status": state, "checks": results})
	}
}
