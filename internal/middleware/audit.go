package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/routegate/backend/internal/database"
	"github.com/routegate/backend/internal/models"
)

// AuditLogger middleware logs API actions to audit log
func AuditLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Skip non-modifying requests
		method := c.Method()
		if method == "GET" || method == "HEAD" || method == "OPTIONS" {
			return c.Next()
		}

		// Skip certain paths
		path := c.Path()
		skipPaths := []string{"/api/auth/login", "/health"}
		for _, skip := range skipPaths {
			if strings.HasPrefix(path, skip) {
				return c.Next()
			}
		}

		// Get user before executing (context is valid here)
		user := GetCurrentUser(c)
		ip := c.IP()
		userAgent := c.Get("User-Agent")

		err := c.Next()

		// Only log successful responses
		statusCode := c.Response().StatusCode()
		if statusCode >= 200 && statusCode < 400 && user != nil {
			logAuditEntry(user, method, path, ip, userAgent)
		}

		return err
	}
}

func logAuditEntry(user *models.User, method, path, ip, userAgent string) {
	var action models.AuditAction
	switch method {
	case "POST":
		action = models.AuditActionCreate
	case "PUT", "PATCH":
		action = models.AuditActionUpdate
	case "DELETE":
		action = models.AuditActionDelete
	default:
		return
	}

	entityType, entityName := entityFromPath(path)
	if entityType == "" {
		return
	}

	auditLog := models.AuditLog{
		UserID:      user.ID,
		Username:    user.Username,
		UserType:    user.UserType,
		Action:      action,
		EntityType:  entityType,
		EntityName:  entityName,
		Description: describe(action, entityType, entityName, path),
		IPAddress:   ip,
		UserAgent:   userAgent,
	}
	database.DB.Create(&auditLog)
}

// describe creates a human-readable description for audit logs
func describe(action models.AuditAction, entityType, entityName, path string) string {
	actionVerbs := map[models.AuditAction]string{
		models.AuditActionCreate: "Created",
		models.AuditActionUpdate: "Updated",
		models.AuditActionDelete: "Deleted",
	}
	verb := actionVerbs[action]

	// Lifecycle actions on grants carry their own verbs
	if strings.Contains(path, "/revoke") {
		return "Revoked grant " + entityName
	}
	if strings.Contains(path, "/topup") {
		return "Topped up grant " + entityName
	}
	if strings.Contains(path, "/reconcile") {
		return "Reconciled grant " + entityName
	}
	if strings.Contains(path, "/sweep") {
		return "Triggered reconciliation sweep"
	}

	if entityName != "" {
		return verb + " " + entityType + " \"" + entityName + "\""
	}
	return verb + " " + entityType
}

// entityFromPath maps an API path to the audited entity type and, where the
// path carries one, the entity reference
func entityFromPath(path string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(path, "/api/"), "/")
	if len(parts) == 0 {
		return "", ""
	}

	entityMap := map[string]string{
		"grants": "grant",
		"users":  "user",
		"auth":   "session",
		"sweep":  "sweep",
	}

	entity, ok := entityMap[parts[0]]
	if !ok {
		return "", ""
	}

	name := ""
	if len(parts) > 1 && parts[1] != "" {
		name = parts[1]
	}
	return entity, name
}
