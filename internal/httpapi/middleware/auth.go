package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/oldsparrow/internal/auth"
	"github.com/suPer8Hu/oldsparrow/internal/common"
)

const IdentityKey = "identity"

// AuthRequired accepts an HS256 bearer token and stores the caller's
// auth.Identity in the gin context.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c.GetHeader("Authorization"))
		if tok == "" {
			common.Abort(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		id, err := auth.ParseJWT(tok, secret)
		if err != nil {
			common.Abort(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		c.Set(IdentityKey, id)
		c.Next()
	}
}

func IdentityFrom(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}

func bearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
