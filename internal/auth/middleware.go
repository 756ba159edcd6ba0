package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// identityKey is the gin context key the middleware stores the Identity under.
const identityKey = "auth_identity"

// Middleware wires the service into gin routes. When disabled every request
// passes through untouched.
type Middleware struct {
	service *Service
	enabled bool
}

func NewMiddleware(service *Service, enabled bool) *Middleware {
	return &Middleware{service: service, enabled: enabled}
}

// Authenticate validates the bearer token and attaches the identity.
func (m *Middleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}
		id, err := m.identify(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed"})
			c.Abort()
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// RequireMutate rejects identities whose role cannot change record state.
func (m *Middleware) RequireMutate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}
		v, ok := c.Get(identityKey)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_required"})
			c.Abort()
			return
		}
		id, ok := v.(Identity)
		if !ok || !id.Role.CanMutate() {
			c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// IdentityFrom returns the identity the middleware attached, if any.
func IdentityFrom(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

func (m *Middleware) identify(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return m.service.Verify(parts[1])
		}
	}
	return Identity{}, ErrInvalidCredentials
}
