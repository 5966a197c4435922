package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/suPer8Hu/oldsparrow/internal/admission"
	"github.com/suPer8Hu/oldsparrow/internal/ai"
	"github.com/suPer8Hu/oldsparrow/internal/auth"
	"github.com/suPer8Hu/oldsparrow/internal/chat"
	"github.com/suPer8Hu/oldsparrow/internal/common"
	"github.com/suPer8Hu/oldsparrow/internal/config"
	"github.com/suPer8Hu/oldsparrow/internal/httpapi/middleware"
	"github.com/suPer8Hu/oldsparrow/internal/logger"
)

type Handler struct {
	Cfg       config.Config
	ChatSvc   *chat.Service
	Anonymous *auth.AnonymousMatcher
	Log       *logger.Logger
}

func NewHandler(cfg config.Config, svc *chat.Service, anonymous *auth.AnonymousMatcher, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{Cfg: cfg, ChatSvc: svc, Anonymous: anonymous, Log: log}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"message": "pong"})
}

func identity(c *gin.Context) (auth.Identity, bool) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return id, ok
}

// fail maps service errors onto the response envelope.
func (h *Handler) fail(c *gin.Context, err error) {
	var (
		verr     *chat.ValidationError
		denied   *admission.DeniedError
		upstream *ai.UpstreamError
	)
	switch {
	case errors.As(err, &verr):
		common.Fail(c, http.StatusBadRequest, 10002, verr.Msg)
	case errors.As(err, &denied):
		common.Fail(c, denied.Status, denied.Code, denied.Message)
	case errors.Is(err, chat.ErrForbidden):
		common.Fail(c, http.StatusForbidden, 40301, "forbidden")
	case errors.Is(err, chat.ErrChatNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "chat not found")
	case errors.Is(err, chat.ErrJobNotFound):
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
	case errors.Is(err, chat.ErrSharedChatNotFound):
		common.Fail(c, http.StatusNotFound, 40403, "shared chat not found")
	case errors.As(err, &upstream):
		h.Log.Warn("upstream error", "request_id", c.GetString(middleware.RequestIDKey), "status", upstream.StatusCode, "err", err)
		common.Fail(c, http.StatusBadGateway, 50201, upstream.Message)
	default:
		h.Log.Error("request failed", "request_id", c.GetString(middleware.RequestIDKey), "path", c.FullPath(), "err", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

// bindFail reports a body that failed to decode (10001) or to pass its
// binding tags (10002).
func bindFail(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		common.Fail(c, http.StatusBadRequest, 10002, validationMessage(verrs[0]))
		return
	}
	common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param())
	default:
		return fe.Field() + " is invalid"
	}
}
