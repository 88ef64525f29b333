// internal/middleware/auth_middleware.go
package middleware

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"billing-service/internal/pkg/jwt"
	"billing-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

// Context keys set by Auth.
const (
	userIDKey = "user_id"
	jtiKey    = "jti"
	rolesKey  = "roles"
)

type AuthMiddleware struct {
	verifier *jwt.Verifier
}

func NewAuthMiddleware(verifier *jwt.Verifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Auth validates the bearer access token and stores the caller in the context.
func (m *AuthMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Unauthorized(c, "missing authorization token")
			return
		}

		claims, err := m.verifier.VerifyAccessToken(token)
		if err != nil {
			response.Error(c, http.StatusUnauthorized, "invalid or expired token", err)
			return
		}

		c.Set(userIDKey, claims.IdentityID)
		c.Set(jtiKey, claims.ID)
		c.Set(rolesKey, claims.Roles)
		c.Next()
	}
}

// RequireRole lets the request through when the caller holds any of roles.
// Must run after Auth.
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetUserID(c); !ok {
			response.Forbidden(c, "authentication required")
			return
		}

		held := GetRoles(c)
		if !slices.ContainsFunc(roles, func(r string) bool { return slices.Contains(held, r) }) {
			response.Error(c, http.StatusForbidden, "insufficient permissions",
				errors.New("caller lacks a required role"),
				gin.H{"required_roles": roles})
			return
		}
		c.Next()
	}
}

// AdminOnly guards the operator routes.
func (m *AuthMiddleware) AdminOnly() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		m.Auth(),
		m.RequireRole(jwt.RoleAdmin, jwt.RoleSuperAdmin),
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
