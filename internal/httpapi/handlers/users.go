package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/oldsparrow/internal/auth"
	"github.com/suPer8Hu/oldsparrow/internal/common"
)

// GuestSignIn mints an anonymous identity. Real accounts are issued by the
// external identity provider with the same signing secret.
func (h *Handler) GuestSignIn(c *gin.Context) {
	id := auth.NewGuestIdentity(h.Cfg.AnonymousEmailDomain)

	// sign token
	token, err := auth.SignJWT(id, h.Cfg.JWTSecret, h.Cfg.JWTTTL)
	if err != nil {
		h.Log.Error("sign guest token", "err", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to sign token")
		return
	}

	common.OK(c, gin.H{
		"user_id":   id.UserID,
		"email":     id.Email,
		"anonymous": h.Anonymous.IsAnonymous(id),
		"token":     token,
	})
}

func (h *Handler) Me(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	common.OK(c, gin.H{
		"user_id":   id.UserID,
		"email":     id.Email,
		"anonymous": h.Anonymous.IsAnonymous(id),
	})
}
