package httpapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/training/sandbox-orchestrator/internal/domain"
)

// Subject-extraction context keys. Session middleware is out of scope
// (§1); this repo's standalone configuration trusts an upstream auth layer
// to set these headers before the request reaches us.
const (
	headerSubjectID = "X-Subject-Id"
	headerRole      = "X-Subject-Role"
)

const localSubjectKey = "subject"

// requireSubject reads the opaque authenticated subject from request
// headers and stores it on the fiber context for downstream handlers.
func requireSubject(c *fiber.Ctx) error {
	id := c.Get(headerSubjectID)
	if id == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing subject")
	}
	role := domain.Role(c.Get(headerRole))
	if role != domain.RoleAdmin {
		role = domain.RoleUser
	}
	c.Locals(localSubjectKey, domain.Subject{ID: id, Role: role})
	return c.Next()
}

// requireAdmin additionally rejects non-admin subjects.
func requireAdmin(c *fiber.Ctx) error {
	if c.Get(headerSubjectID) == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing subject")
	}
	if domain.Role(c.Get(headerRole)) != domain.RoleAdmin {
		return fiber.NewError(fiber.StatusForbidden, "admin only")
	}
	return requireSubject(c)
}

func subject(c *fiber.Ctx) domain.Subject {
	s, _ := c.Locals(localSubjectKey).(domain.Subject)
	return s
}
