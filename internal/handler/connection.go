package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Bazaar/internal/apperr"
	"github.com/Gopher0727/Bazaar/internal/service"
	logger "github.com/Gopher0727/Bazaar/middleware/log"
)

type ConnectionHandler struct {
	connections service.IConnectionService
	logger      *logger.Logger
}

func NewConnectionHandler(connections service.IConnectionService, l *logger.Logger) *ConnectionHandler {
	return &ConnectionHandler{connections: connections, logger: l}
}

// CreateConnection answers 201 for a new entry and 200 when the entry
// already existed.
func (h *ConnectionHandler) CreateConnection(c *gin.Context) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}
	var req service.CreateConnectionRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, h.logger, err)
		return
	}

	view, created, err := h.connections.CreateConnection(c.Request.Context(), actor.ID, &req)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	if created {
		respond(c, http.StatusCreated, "connection created", view)
		return
	}
	respond(c, http.StatusOK, "connection already exists", view)
}

func (h *ConnectionHandler) ListConnections(c *gin.Context) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}
	var req service.ListConnectionsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		fail(c, h.logger, apperr.Validation("invalid query: %v", err))
		return
	}

	page, err := h.connections.ListConnections(c.Request.Context(), actor.ID, req)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, "connections retrieved", page)
}

func (h *ConnectionHandler) RemoveConnection(c *gin.Context) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}
	if err := h.connections.DeleteConnection(c.Request.Context(), actor.ID, c.Param("connectionId")); err != nil {
		fail(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, "connection removed", nil)
}

func (h *ConnectionHandler) CheckStatus(c *gin.Context) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}
	ok, err := h.connections.CheckConnectionStatus(c.Request.Context(), actor.ID, c.Param("userId"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, "connection status retrieved", gin.H{"isConnected": ok})
}
