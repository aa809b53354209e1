package model

import "time"

// OwnerConnections is the per-owner adjacency header. It is created lazily
// and never deleted.
type OwnerConnections struct {
	ID         string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ForumOwner string    `gorm:"uniqueIndex;not null;type:varchar(64)" json:"forumOwner"`
	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
}

func (OwnerConnections) TableName() string {
	return "owner_connections"
}

// Connection is one entry of an owner's adjacency list. Only the owner's side
// is recorded; participants have no mirrored entry.
type Connection struct {
	ID            string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OwnerID       string    `gorm:"not null;type:varchar(64);uniqueIndex:idx_connection_owner_participant" json:"ownerId"`
	ParticipantID string    `gorm:"not null;type:varchar(64);uniqueIndex:idx_connection_owner_participant" json:"participantId"`
	ForumID       *string   `gorm:"type:varchar(64)" json:"forumId,omitempty"`
	CreatedAt     time.Time `gorm:"index;not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
}

func (Connection) TableName() string {
	return "connections"
}
