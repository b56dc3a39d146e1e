package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the caller's Result.
const ResultKey = "auth_result"

// Middleware guards gin routes. A nil *Middleware lets every request through.
type Middleware struct {
	service *Service
}

func NewMiddleware(s *Service) *Middleware { return &Middleware{service: s} }

// Require authenticates the request and checks that its role allows a.
func (m *Middleware) Require(a Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil || m.service == nil {
			c.Next()
			return
		}
		res, err := m.service.Authenticate(tokenFrom(c.Request))
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="gitview"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if !res.Role.Allows(a) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// tokenFrom reads a bearer token, or the password of basic auth.
func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if _, password, ok := r.BasicAuth(); ok {
		return password
	}
	return ""
}
