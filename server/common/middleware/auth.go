package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"msg_rag/server/common/transport/httpresp"
)

const (
	ContextUserID = "auth_user_id"
	ContextRole   = "auth_role"
)

type tokenAuth interface {
	ParseAuthContext(token string) (userID, role string, err error)
}

func AuthRequired(auth tokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		userID, role, err := auth.ParseAuthContext(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		c.Set(ContextUserID, userID)
		c.Set(ContextRole, role)
		c.Next()
	}
}

func RequireRoles(roles ...string) gin.HandlerFunc {
	allowed := map[string]struct{}{}
	for _, role := range roles {
		allowed[strings.TrimSpace(role)] = struct{}{}
	}
	return func(c *gin.Context) {
		role := c.GetString(ContextRole)
		if role == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, httpresp.NewErrorResponse(httpresp.ErrForbidden))
			return
		}
		if _, ok := allowed[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, httpresp.NewErrorResponse(httpresp.ErrInsufficientRole))
			return
		}
		c.Next()
	}
}
