package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/oldsparrow/internal/common"
	"github.com/suPer8Hu/oldsparrow/internal/config"
	"github.com/suPer8Hu/oldsparrow/internal/httpapi/handlers"
	"github.com/suPer8Hu/oldsparrow/internal/httpapi/middleware"
	"github.com/suPer8Hu/oldsparrow/internal/logger"
)

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Authorization", "Content-Type", "Accept",
			handlers.HeaderChatID, "Idempotency-Key", middleware.RequestIDHeader,
		},
		ExposeHeaders: []string{
			handlers.HeaderChatID, handlers.HeaderTitle, handlers.HeaderNewChatID,
			handlers.HeaderConvertedFromShared, handlers.HeaderRateLimitRemaining,
			handlers.HeaderTurnID, middleware.RequestIDHeader,
		},
		MaxAge: 12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func NewRouter(cfg config.Config, h *handlers.Handler, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.Recovery(log))
	r.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	// auth
	r.POST("/auth/guest", h.GuestSignIn)
	r.GET("/api/shared/:shared_id", h.GetSharedChat)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// Chat (JWT required)
	authGroup.POST("/api/openai", h.ChatCompletion)
	authGroup.POST("/api/openai/async", h.ChatCompletionAsync)
	authGroup.GET("/api/jobs/:job_id", h.GetChatJob)
	authGroup.POST("/api/generate-image", h.GenerateImage)

	authGroup.GET("/api/chats", h.ListChats)
	authGroup.GET("/api/chats/events", h.ChatEvents)
	authGroup.GET("/api/chats/:chat_id/turns", h.ListTurns)
	authGroup.DELETE("/api/chats/:chat_id", h.DeleteChat)
	authGroup.POST("/api/chats/:chat_id/share", h.ShareChat)
	authGroup.POST("/api/chats/:chat_id/export", h.ExportChat)
	return r
}
