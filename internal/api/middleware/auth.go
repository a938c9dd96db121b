// Package middleware provides HTTP middleware for the Gin router.
//
// Go Learning Note — Middleware Pattern (Gin):
// In Gin, middleware is any function with the signature `gin.HandlerFunc`, which
// is `func(*gin.Context)`. Middleware functions form a chain: each one runs,
// optionally calls c.Next() to pass control to the next handler, and can call
// c.Abort() to stop the chain. This is the "chain of responsibility" pattern.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ridechain/internal/domain/entities"
)

// Context keys for storing the authenticated participant.
const (
	AddressKey = "address"
	RoleKey    = "role"
)

// MockAuth extracts the acting participant from the Authorization header.
// Format: "Bearer <role>-<address>", e.g. "Bearer rider-0xA11CE".
//
// The address is the ledger account every call of the session is sent from.
// This is a stand-in for wallet authentication: in production the address
// would come from a verified signature rather than being asserted by the
// client.
//
// Go Learning Note — c.Abort():
// c.Abort() prevents subsequent handlers in the chain from running. Without it,
// even after writing an error response, the next handler would still execute.
func MockAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			c.Abort()
			return
		}

		rolePart, address, ok := strings.Cut(strings.TrimSpace(parts[1]), "-")
		role, err := entities.ParseRole(rolePart)
		if !ok || err != nil || strings.TrimSpace(address) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid participant format"})
			c.Abort()
			return
		}

		c.Set(RoleKey, role)
		c.Set(AddressKey, strings.TrimSpace(address))
		c.Next()
	}
}

// RequireRider ensures the authenticated participant is a rider. Must be used
// after MockAuth() in the chain.
func RequireRider() gin.HandlerFunc {
	return requireRole(entities.RoleRider)
}

// RequireDriver ensures the authenticated participant is a driver.
func RequireDriver() gin.HandlerFunc {
	return requireRole(entities.RoleDriver)
}

func requireRole(want entities.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get(RoleKey)
		if !exists || role != want {
			c.JSON(http.StatusForbidden, gin.H{"error": string(want) + " access required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetAddress retrieves the address previously set by MockAuth.
//
// Go Learning Note — Type Assertion:
// c.Get() returns (interface{}, bool). The .(string) form panics on a wrong
// type; it is acceptable here because MockAuth guarantees the value.
func GetAddress(c *gin.Context) string {
	address, _ := c.Get(AddressKey)
	return address.(string)
}

// GetRole retrieves the role previously set by MockAuth.
func GetRole(c *gin.Context) entities.Role {
	role, _ := c.Get(RoleKey)
	return role.(entities.Role)
}

// StreamKey names the participant's notification stream, or "" when the
// request is not authenticated.
func StreamKey(c *gin.Context) string {
	role, ok := c.Get(RoleKey)
	if !ok {
		return ""
	}
	return entities.ParticipantKey(role.(entities.Role), GetAddress(c))
}
