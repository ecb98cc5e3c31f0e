package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the *Result of an authenticated request.
const ResultKey = "auth_result"

// Middleware guards routes when enabled.
type Middleware struct {
	svc     *Service
	enabled bool
}

// NewMiddleware returns a middleware; a nil service disables it.
func NewMiddleware(svc *Service, enabled bool) *Middleware {
	return &Middleware{svc: svc, enabled: enabled && svc != nil}
}

func (m *Middleware) Enabled() bool { return m.enabled }

// GinAuth rejects unauthenticated requests with 401.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}
		res, err := m.authenticate(c.Request)
		if err != nil || !res.Success {
			c.Header("WWW-Authenticate", `Basic realm="backupd"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// authenticate tries, in order, a bearer header, the token cookie and basic
// credentials.
func (m *Middleware) authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return m.svc.VerifyToken(strings.TrimSpace(parts[1]))
		}
	}
	if ck, err := r.Cookie(TokenCookie); err == nil && ck.Value != "" {
		return m.svc.VerifyToken(ck.Value)
	}
	if user, pass, ok := r.BasicAuth(); ok {
		return m.svc.VerifyBasic(user, pass)
	}
	return &Result{}, ErrInvalidCredentials
}
