package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Bazaar/internal/apperr"
	"github.com/Gopher0727/Bazaar/internal/service"
	logger "github.com/Gopher0727/Bazaar/middleware/log"
)

type NotificationHandler struct {
	notifications service.INotificationService
	logger        *logger.Logger
}

func NewNotificationHandler(notifications service.INotificationService, l *logger.Logger) *NotificationHandler {
	return &NotificationHandler{notifications: notifications, logger: l}
}

func (h *NotificationHandler) List(c *gin.Context) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}
	var req service.ListNotificationsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		fail(c, h.logger, apperr.Validation("invalid query: %v", err))
		return
	}
	page, err := h.notifications.ListFeed(c.Request.Context(), actor.ID, req)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, "notifications retrieved", page)
}

func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}
	n, err := h.notifications.UnreadCount(c.Request.Context(), actor.ID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, "unread count retrieved", gin.H{"unread": n})
}

func (h *NotificationHandler) MarkRead(c *gin.Context) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}
	if err := h.notifications.MarkRead(c.Request.Context(), actor.ID, c.Param("notificationId")); err != nil {
		fail(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, "notification marked read", nil)
}

func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}
	n, err := h.notifications.MarkAllRead(c.Request.Context(), actor.ID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, "notifications marked read", gin.H{"updated": n})
}
