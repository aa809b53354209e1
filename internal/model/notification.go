package model

import "time"

type NotificationType string

const (
	NotifyJoinRequestReceived  NotificationType = "join-request-received"
	NotifyJoinRequestCancelled NotificationType = "join-request-cancelled"
	NotifyRequestAccepted      NotificationType = "request-accepted"
	NotifyRequestRejected      NotificationType = "request-rejected"
	NotifyInvitationSent       NotificationType = "invitation-sent"
	NotifyInvitationCancelled  NotificationType = "invitation-cancelled"
	NotifyInvitationAccepted   NotificationType = "invitation-accepted"
	NotifyInvitationRejected   NotificationType = "invitation-rejected"
	NotifyMemberLeft           NotificationType = "member-left"
)

type Notification struct {
	ID          string           `gorm:"primaryKey;type:varchar(64)" json:"id"`
	RecipientID string           `gorm:"index:idx_notification_recipient_created;not null;type:varchar(64)" json:"recipient"`
	Message     string           `gorm:"type:text;not null" json:"message"`
	Type        NotificationType `gorm:"not null;type:varchar(64)" json:"type"`
	ForumID     string           `gorm:"type:varchar(64)" json:"forumId,omitempty"`
	ActorID     string           `gorm:"type:varchar(64)" json:"actorId,omitempty"`
	IsRead      bool             `gorm:"not null;default:false" json:"isRead"`
	ReadAt      *time.Time       `json:"readAt,omitempty"`

	CreatedAt time.Time `gorm:"index:idx_notification_recipient_created;not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
}

func (Notification) TableName() string {
	return "notifications"
}
