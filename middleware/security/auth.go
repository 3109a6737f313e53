package security

import (
	"net/http"

	"PPChat/tools/errs"
	"PPChat/tools/security"

	"github.com/gin-gonic/gin"
)

// CtxUserKey 认证后的用户 ID
const CtxUserKey = "userId"

// Middleware verifies the bearer token and stores its sub claim under
// CtxUserKey.
func Middleware(opts security.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := security.Verify(opts, security.ExtractToken(c.Request))
		if err != nil {
			ce := errs.Code(err)
			if ce == nil {
				ce = errs.ErrUnauthorized
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, ce)
			return
		}
		c.Set(CtxUserKey, user)
		c.Next()
	}
}

// UserID 读取当前用户，未认证返回空串
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserKey)
}
