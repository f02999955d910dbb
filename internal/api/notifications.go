package api

import (
	"net/http"

	apperrors "library-workers/internal/common/errors"
	"library-workers/internal/models"

	"github.com/labstack/echo/v4"
)

type createNotificationBody struct {
	UserID  int64                   `json:"user_id"`
	Type    models.NotificationType `json:"type"`
	Subject string                  `json:"subject"`
	Message string                  `json:"message"`
}

func (s *Server) createNotification(c echo.Context) error {
	var body createNotificationBody
	if err := bind(c, createNotificationSchema, &body); err != nil {
		return err
	}
	n, err := s.notify.CreateNotification(c.Request().Context(), body.UserID, body.Type, body.Subject, body.Message)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message":      "Notification queued",
		"notification": n,
	})
}

type sendFromTemplateBody struct {
	TemplateID int64                   `json:"template_id"`
	UserID     int64                   `json:"user_id"`
	Type       models.NotificationType `json:"type"`
	Context    map[string]interface{}  `json:"context"`
}

func (s *Server) sendFromTemplate(c echo.Context) error {
	var body sendFromTemplateBody
	if err := bind(c, sendFromTemplateSchema, &body); err != nil {
		return err
	}
	n, err := s.notify.SendFromTemplate(c.Request().Context(), body.TemplateID, body.UserID, body.Context, body.Type)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message":      "Notification queued",
		"notification": n,
	})
}

func (s *Server) listNotifications(c echo.Context) error {
	userID, err := queryInt64(c, "user_id")
	if err != nil {
		return err
	}
	if !s.isStaff(c) {
		userID = actingUserID(c)
	}
	if userID == 0 {
		return apperrors.NewValidationError("user_id is required")
	}
	limit, err := queryInt64(c, "limit")
	if err != nil {
		return err
	}

	items, err := s.queries.ListByUser(c.Request().Context(), userID, int(limit))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":   len(items),
		"results": items,
	})
}

func (s *Server) notificationStats(c echo.Context) error {
	days, err := queryInt64(c, "days")
	if err != nil {
		return err
	}
	if days == 0 {
		days = 30
	}
	stats, err := s.queries.Stats(c.Request().Context(), int(days))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}
