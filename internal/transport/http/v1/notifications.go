package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ListNotifications returns the buffered feed, newest first.
// GET /v1/notifications
func (h *Handler) ListNotifications(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"notifications": h.feed.List(),
		"unread":        h.feed.UnreadCount(),
	})
}

// MarkNotificationRead flags one notification as read.
// POST /v1/notifications/:notification_id/read
func (h *Handler) MarkNotificationRead(c echo.Context) error {
	if !h.feed.MarkRead(c.Param("notification_id")) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "notification not found"})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
