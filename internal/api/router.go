package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Bazaar/config"
	"github.com/Gopher0727/Bazaar/internal/handler"
	"github.com/Gopher0727/Bazaar/internal/pkg/gateway"
	logger "github.com/Gopher0727/Bazaar/middleware/log"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Forum        *handler.ForumHandler
	Connection   *handler.ConnectionHandler
	Notification *handler.NotificationHandler
	Hub          *gateway.Hub
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

func NewRouter(
	cfg *config.Config,
	l *logger.Logger,
	mw *MiddlewareManager,
	h Handlers,
	checks map[string]HealthCheck,
) *gin.Engine {
	r := gin.New()
	r.Use(logger.Recovery(l), logger.GinMiddleware(l), cors.Default())

	r.GET("/health", healthHandler(checks))

	authed := []gin.HandlerFunc{mw.JWTAuth(), mw.RateLimit(cfg.RateLimit.APIPerMinute)}

	if h.Hub != nil {
		r.GET("/ws", append(authed, h.Hub.ServeWs)...)
	}

	api := r.Group("/api/v1")
	api.Use(RequestTimeout(time.Duration(cfg.Server.RequestTimeoutSec) * time.Second))
	api.Use(authed...)
	{
		forum := api.Group("/forum")
		{
			forum.POST("/create-forum", h.Forum.CreateForum)
			forum.GET("/my-forums", h.Forum.MyForums)
			forum.GET("/other-forums", h.Forum.OtherForums)
			forum.GET("/received-requests", h.Forum.ReceivedRequests)
			forum.GET("/sent-requests", h.Forum.SentRequests)
			forum.GET("/received-invites", h.Forum.ReceivedInvites)
			forum.GET("/:forumId", h.Forum.GetForum)
			forum.PUT("/update-forum/:forumId", h.Forum.UpdateForum)
			forum.DELETE("/delete-forum/:forumId", h.Forum.DeleteForum)

			forum.POST("/join-forum/:forumId", h.Forum.JoinForum)
			forum.POST("/cancel-request/:forumId", h.Forum.CancelRequest)
			forum.POST("/accept-request/:forumId/:userId", h.Forum.AcceptRequest)
			forum.POST("/reject-request/:forumId/:userId", h.Forum.RejectRequest)
			forum.POST("/send-invitations/:forumId", h.Forum.SendInvitations)
			forum.POST("/cancel-invitation/:forumId/:userId", h.Forum.CancelInvitation)
			forum.POST("/accept-invitation/:forumId", h.Forum.AcceptInvitation)
			forum.POST("/reject-invitation/:forumId", h.Forum.RejectInvitation)
			forum.POST("/leave-forum/:forumId", h.Forum.LeaveForum)
		}

		connection := api.Group("/connection")
		{
			connection.POST("/create-connection", h.Connection.CreateConnection)
			connection.GET("/getOwnerConnections", h.Connection.ListConnections)
			connection.DELETE("/remove-connection/:connectionId", h.Connection.RemoveConnection)
			connection.GET("/check-status/:userId", h.Connection.CheckStatus)
		}

		notification := api.Group("/notification")
		{
			notification.GET("", h.Notification.List)
			notification.GET("/unread-count", h.Notification.UnreadCount)
			notification.PATCH("/read-all", h.Notification.MarkAllRead)
			notification.PATCH("/read/:notificationId", h.Notification.MarkRead)
		}
	}

	return r
}

func healthHandler(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		c.JSON(status, gin.H{"status": state, "checks": results})
	}
}
