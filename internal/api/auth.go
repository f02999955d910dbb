package api

import (
	"strings"

	apperrors "library-workers/internal/common/errors"
	"library-workers/internal/models"

	"github.com/labstack/echo/v4"
)

const (
	RoleMember    = "MEMBER"
	RoleLibrarian = "LIBRARIAN"
	RoleAdmin     = "ADMIN"

	userKey = "user"
)

// authenticate resolves the bearer token through the identity service when
// auth is enabled.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.opts.AuthEnabled {
			return next(c)
		}

		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return apperrors.NewAuthenticationError("missing bearer token")
		}

		user, err := s.opts.Tokens.ValidateToken(c.Request().Context(), strings.TrimSpace(token))
		if err != nil {
			return err
		}
		if !user.IsActive {
			return apperrors.NewAuthenticationError("user is inactive")
		}
		c.Set(userKey, user)
		return next(c)
	}
}

func (s *Server) requireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !s.opts.AuthEnabled {
				return next(c)
			}
			user, ok := currentUser(c)
			if !ok || !user.HasRole(roles...) {
				return apperrors.NewForbiddenError("requires role " + strings.Join(roles, " or "))
			}
			return next(c)
		}
	}
}

func currentUser(c echo.Context) (models.UserSnapshot, bool) {
	user, ok := c.Get(userKey).(models.UserSnapshot)
	return user, ok
}

// actingUserID is the authenticated caller, or 0 when auth is off.
func actingUserID(c echo.Context) int64 {
	if user, ok := currentUser(c); ok {
		return user.ID
	}
	return 0
}

// isStaff is true for librarians and admins, and for everyone when auth is off.
func (s *Server) isStaff(c echo.Context) bool {
	if !s.opts.AuthEnabled {
		return true
	}
	user, ok := currentUser(c)
	return ok && user.HasRole(RoleLibrarian, RoleAdmin)
}
