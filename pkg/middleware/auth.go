package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/response"
)

const (
	UserIDKey     = "user_id"
	UsernameKey   = "username"
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
	TokenQueryKey = "token"
)

// Authenticator resolves a bearer token to the user it was issued for.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID, username string, err error)
}

// ExtractToken reads the credential from the token query parameter, falling
// back to an Authorization bearer header. Browsers cannot set headers on a
// websocket upgrade, hence the query parameter.
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get(TokenQueryKey); token != "" {
		return token
	}
	authHeader := r.Header.Get(AuthHeaderKey)
	if strings.HasPrefix(authHeader, BearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, BearerPrefix))
	}
	return ""
}

// AuthMiddleware validates tokens before the request reaches a handler.
type AuthMiddleware struct {
	auth Authenticator
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(auth Authenticator) *AuthMiddleware {
	return &AuthMiddleware{auth: auth}
}

// RequireAuth returns a Gin middleware that rejects unauthenticated requests.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c.Request)
		if token == "" {
			response.Abort(c, response.CodeUnauthorized, "missing credentials")
			return
		}

		userID, username, err := m.auth.Authenticate(c.Request.Context(), token)
		if err != nil || userID == "" {
			response.Abort(c, response.CodeUnauthorized, "invalid credentials")
			return
		}

		c.Set(UserIDKey, userID)
		c.Set(UsernameKey, username)

		c.Next()
	}
}

// GetUserID extracts user ID from Gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// GetUsername extracts username from Gin context.
func GetUsername(c *gin.Context) string {
	return c.GetString(UsernameKey)
}
