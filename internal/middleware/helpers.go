// internal/middleware/helpers.go
package middleware

import "github.com/gin-gonic/gin"

// GetUserID returns the caller set by Auth.
func GetUserID(c *gin.Context) (int64, bool) {
	id, ok := c.Get(userIDKey)
	if !ok {
		return 0, false
	}
	userID, ok := id.(int64)
	return userID, ok
}

// MustGetUserID is for handlers mounted behind Auth.
func MustGetUserID(c *gin.Context) int64 {
	id, ok := GetUserID(c)
	if !ok {
		panic("user_id not found in context")
	}
	return id
}

func GetRoles(c *gin.Context) []string {
	roles, _ := c.Get(rolesKey)
	list, _ := roles.([]string)
	return list
}

// GetRequestID returns the id assigned by RequestID
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
