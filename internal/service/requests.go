package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Gopher0727/Bazaar/internal/apperr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			name = strings.SplitN(fld.Tag.Get("form"), ",", 2)[0]
		}
		return name
	})
	return v
}

// ImageUpload is an image attached to a forum create or update request.
type ImageUpload struct {
	Data        []byte
	Filename    string
	ContentType string
}

type CreateForumRequest struct {
	Name        string       `json:"name" form:"name" validate:"required,min=3,max=100"`
	Description string       `json:"description" form:"description" validate:"max=2000"`
	Objective   string       `json:"objective" form:"objective" validate:"max=2000"`
	Image       *ImageUpload `json:"-" form:"-"`
}

// UpdateForumRequest changes only the fields that are set.
type UpdateForumRequest struct {
	Name        *string      `json:"name" form:"name" validate:"omitempty,min=3,max=100"`
	Description *string      `json:"description" form:"description" validate:"omitempty,max=2000"`
	Objective   *string      `json:"objective" form:"objective" validate:"omitempty,max=2000"`
	IsActive    *bool        `json:"isActive" form:"isActive"`
	Image       *ImageUpload `json:"-" form:"-"`
}

type SendInvitationsRequest struct {
	Emails []string `json:"emails" validate:"required,min=1,max=100,dive,required,email"`
}

type CreateConnectionRequest struct {
	ParticipantID string  `json:"participantId" validate:"required,max=64"`
	ForumID       *string `json:"forumId" validate:"omitempty,max=64"`
}

type ListConnectionsRequest struct {
	Page     int    `form:"page" json:"page" validate:"min=1"`
	PageSize int    `form:"pageSize" json:"pageSize" validate:"min=1,max=100"`
	Sort     string `form:"sort" json:"sort" validate:"oneof=asc desc"`
}

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// withDefaults fills the fields the caller left out.
func (r ListConnectionsRequest) withDefaults() ListConnectionsRequest {
	if r.Page == 0 {
		r.Page = 1
	}
	if r.PageSize == 0 {
		r.PageSize = defaultPageSize
	}
	if r.Sort == "" {
		r.Sort = "desc"
	}
	r.Sort = strings.ToLower(r.Sort)
	return r
}

type ListNotificationsRequest struct {
	Page       int  `form:"page" json:"page" validate:"min=1"`
	PageSize   int  `form:"pageSize" json:"pageSize" validate:"min=1,max=100"`
	UnreadOnly bool `form:"unread" json:"unread"`
}

func (r ListNotificationsRequest) withDefaults(pageSize int) ListNotificationsRequest {
	if r.Page == 0 {
		r.Page = 1
	}
	if r.PageSize == 0 {
		r.PageSize = pageSize
	}
	return r
}

// validateRequest checks req against its struct tags and reports every
// failing field as one validation error.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation("invalid request: %v", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fieldPath(e), validationMessage(e)))
	}
	return apperr.Validation("%s", strings.Join(msgs, "; "))
}

// fieldPath drops the struct name from the namespace, "Req.emails[1]" ->
// "emails[1]".
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return e.Field()
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "email":
		return "invalid email format"
	case "min":
		if e.Kind() == reflect.String {
			return "must be at least " + e.Param() + " characters"
		}
		if e.Kind() == reflect.Slice {
			return "must contain at least " + e.Param() + " items"
		}
		return "must be at least " + e.Param()
	case "max":
		if e.Kind() == reflect.String {
			return "must be at most " + e.Param() + " characters"
		}
		if e.Kind() == reflect.Slice {
			return "must contain at most " + e.Param() + " items"
		}
		return "must be at most " + e.Param()
	case "oneof":
		return "must be one of: " + e.Param()
	default:
		return "invalid value"
	}
}
