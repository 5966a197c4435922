package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/oldsparrow/internal/common"
	"github.com/suPer8Hu/oldsparrow/internal/logger"
)

// Recovery turns panics into a 500 envelope. http.ErrAbortHandler is
// re-raised so net/http can drop a half-written streaming response.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			log.Error("panic recovered",
				"request_id", c.GetString(RequestIDKey),
				"path", c.Request.URL.Path,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			common.Abort(c, http.StatusInternalServerError, 50001, "internal error")
		}()
		c.Next()
	}
}
