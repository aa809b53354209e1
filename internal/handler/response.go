package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/Bazaar/internal/apperr"
	"github.com/Gopher0727/Bazaar/internal/service"
	logger "github.com/Gopher0727/Bazaar/middleware/log"
)

// ActorKey is the gin context key holding the authenticated *service.Actor.
const ActorKey = "actor"

func CurrentActor(c *gin.Context) *service.Actor {
	v, ok := c.Get(ActorKey)
	if !ok {
		return nil
	}
	actor, _ := v.(*service.Actor)
	return actor
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, gin.H{"message": message, "data": data})
}

// fail writes the error response for err. Internal errors are logged with
// their cause, which the client never sees.
func fail(c *gin.Context, l *logger.Logger, err error) {
	status, body := apperr.Response(err)
	if status >= http.StatusInternalServerError {
		logger.FromGin(c, l).Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, body)
}

// requireActor writes 401 and returns nil when the request is anonymous.
func requireActor(c *gin.Context, l *logger.Logger) *service.Actor {
	actor := CurrentActor(c)
	if actor == nil {
		fail(c, l, apperr.Unauthorized("authentication required"))
	}
	return actor
}

func bindJSON(c *gin.Context, req any) error {
	if err := c.ShouldBindJSON(req); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}
