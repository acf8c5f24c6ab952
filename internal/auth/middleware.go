package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"foreman/pkg/models"
)

const userContextKey = "auth_user"

// Middleware authenticates requests by bearer API key.
type Middleware struct {
	service *Service
}

func NewMiddleware(service *Service) *Middleware {
	return &Middleware{service: service}
}

// Authenticate resolves the Authorization header (or ?token= for WebSocket
// upgrades, which cannot carry headers from browsers) and stores the user
// on the request context.
func (m *Middleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}

		user, err := m.service.Authenticate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}

		c.Set(userContextKey, user)
		c.Next()
	}
}

// GetUserFromContext returns the authenticated user set by Authenticate.
func GetUserFromContext(c *gin.Context) (*models.User, bool) {
	value, exists := c.Get(userContextKey)
	if !exists {
		return nil, false
	}
	user, ok := value.(*models.User)
	return user, ok
}
