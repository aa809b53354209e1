package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Bazaar/internal/apperr"
	"github.com/Gopher0727/Bazaar/internal/service"
	logger "github.com/Gopher0727/Bazaar/middleware/log"
)

type ForumHandler struct {
	forums      service.IForumService
	memberships service.IMembershipService
	logger      *logger.Logger
}

func NewForumHandler(forums service.IForumService, memberships service.IMembershipService, l *logger.Logger) *ForumHandler {
	return &ForumHandler{forums: forums, memberships: memberships, logger: l}
}

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/form-data")
}

// readImage returns the optional "image" part of a multipart request.
func readImage(c *gin.Context) (*service.ImageUpload, error) {
	fh, err := c.FormFile("image")
	if err == http.ErrMissingFile {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Validation("image: %v", err)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, apperr.Validation("image: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperr.Validation("image: %v", err)
	}
	return &service.ImageUpload{
		Data:        data,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
	}, nil
}

func optionalForm(c *gin.Context, key string) *string {
	if v, ok := c.GetPostForm(key); ok {
		return &v
	}
	return nil
}

// CreateForum accepts JSON, or multipart form fields with an optional image.
func (h *ForumHandler) CreateForum(c *gin.Context) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}

	var req service.CreateForumRequest
	if isMultipart(c) {
		req.Name = c.PostForm("name")
		req.Description = c.PostForm("description")
		req.Objective = c.PostForm("objective")
		img, err := readImage(c)
		if err != nil {
			fail(c, h.logger, err)
			return
		}
		req.Image = img
	} else if err := bindJSON(c, &req); err != nil {
		fail(c, h.logger, err)
		return
	}

	forum, err := h.forums.CreateForum(c.Request.Context(), actor, &req)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, "forum created", forum)
}

func (h *ForumHandler) GetForum(c *gin.Context) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}
	forum, err := h.forums.GetForum(c.Request.Context(), actor, c.Param("forumId"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, "forum retrieved", forum)
}

func (h *ForumHandler) UpdateForum(c *gin.Context) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}

	var req service.UpdateForumRequest
	if isMultipart(c) {
		req.Name = optionalForm(c, "name")
		req.Description = optionalForm(c, "description")
		req.Objective = optionalForm(c, "objective")
		if v := optionalForm(c, "isActive"); v != nil {
			active, err := strconv.ParseBool(*v)
			if err != nil {
				fail(c, h.logger, apperr.Validation("isActive: must be a boolean"))
				return
			}
			req.IsActive = &active
		}
		img, err := readImage(c)
		if err != nil {
			fail(c, h.logger, err)
			return
		}
		req.Image = img
	} else if err := bindJSON(c, &req); err != nil {
		fail(c, h.logger, err)
		return
	}

	forum, err := h.forums.UpdateForum(c.Request.Context(), actor, c.Param("forumId"), &req)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, "forum updated", forum)
}

func (h *ForumHandler) DeleteForum(c *gin.Context) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}
	hard, _ := strconv.ParseBool(c.DefaultQuery("hard", "false"))

	if err := h.forums.DeleteForum(c.Request.Context(), actor, c.Param("forumId"), hard); err != nil {
		fail(c, h.logger, err)
		return
	}
	msg := "forum deactivated"
	if hard {
		msg = "forum deleted"
	}
	respond(c, http.StatusOK, msg, nil)
}

func (h *ForumHandler) MyForums(c *gin.Context) {
	h.list(c, "forums retrieved", h.forums.MyForums)
}

func (h *ForumHandler) OtherForums(c *gin.Context) {
	h.list(c, "forums retrieved", h.forums.OtherForums)
}

func (h *ForumHandler) SentRequests(c *gin.Context) {
	h.list(c, "sent requests retrieved", h.forums.SentRequests)
}

func (h *ForumHandler) ReceivedInvites(c *gin.Context) {
	h.list(c, "received invitations retrieved", h.forums.ReceivedInvites)
}

func (h *ForumHandler) ReceivedRequests(c *gin.Context) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}
	views, err := h.forums.ReceivedRequests(c.Request.Context(), actor)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, "received requests retrieved", views)
}

func (h *ForumHandler) list(c *gin.Context, msg string, fn func(ctx context.Context, actor *service.Actor) ([]*service.ForumView, error)) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}
	views, err := fn(c.Request.Context(), actor)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, msg, views)
}

func (h *ForumHandler) JoinForum(c *gin.Context) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}
	forum, err := h.memberships.SendJoinRequest(c.Request.Context(), actor, c.Param("forumId"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, "join request sent", forum)
}

func (h *ForumHandler) SendInvitations(c *gin.Context) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}
	var req service.SendInvitationsRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, h.logger, err)
		return
	}
	res, err := h.memberships.SendInvitations(c.Request.Context(), actor, c.Param("forumId"), &req)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, "invitations sent", res)
}

func (h *ForumHandler) CancelRequest(c *gin.Context) {
	h.transition(c, "join request cancelled", func(ctx context.Context, actor *service.Actor) error {
		return h.memberships.CancelJoinRequest(ctx, actor, c.Param("forumId"))
	})
}

func (h *ForumHandler) AcceptRequest(c *gin.Context) {
	h.transition(c, "join request accepted", func(ctx context.Context, actor *service.Actor) error {
		return h.memberships.AcceptJoinRequest(ctx, actor, c.Param("forumId"), c.Param("userId"))
	})
}

func (h *ForumHandler) RejectRequest(c *gin.Context) {
	h.transition(c, "join request rejected", func(ctx context.Context, actor *service.Actor) error {
		return h.memberships.RejectJoinRequest(ctx, actor, c.Param("forumId"), c.Param("userId"))
	})
}

func (h *ForumHandler) CancelInvitation(c *gin.Context) {
	h.transition(c, "invitation cancelled", func(ctx context.Context, actor *service.Actor) error {
		return h.memberships.CancelInvitation(ctx, actor, c.Param("forumId"), c.Param("userId"))
	})
}

func (h *ForumHandler) AcceptInvitation(c *gin.Context) {
	h.transition(c, "invitation accepted", func(ctx context.Context, actor *service.Actor) error {
		return h.memberships.AcceptInvitation(ctx, actor, c.Param("forumId"))
	})
}

func (h *ForumHandler) RejectInvitation(c *gin.Context) {
	h.transition(c, "invitation rejected", func(ctx context.Context, actor *service.Actor) error {
		return h.memberships.RejectInvitation(ctx, actor, c.Param("forumId"))
	})
}

func (h *ForumHandler) LeaveForum(c *gin.Context) {
	h.transition(c, "left forum", func(ctx context.Context, actor *service.Actor) error {
		return h.memberships.LeaveForum(ctx, actor, c.Param("forumId"))
	})
}

func (h *ForumHandler) transition(c *gin.Context, msg string, fn func(ctx context.Context, actor *service.Actor) error) {
	actor := requireActor(c, h.logger)
	if actor == nil {
		return
	}
	if err := fn(c.Request.Context(), actor); err != nil {
		fail(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, msg, nil)
}
