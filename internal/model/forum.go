package model

import "time"

type Forum struct {
	ID          string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name        string `gorm:"uniqueIndex;not null;type:varchar(255)" json:"name"`
	OwnerID     string `gorm:"index;not null;type:varchar(64)" json:"ownerId"`
	Description string `gorm:"type:text" json:"description"`
	Objective   string `gorm:"type:text" json:"objective"`
	Image       string `gorm:"type:varchar(512)" json:"image,omitempty"`
	ImageKey    string `gorm:"type:varchar(512)" json:"-"`
	IsActive    bool   `gorm:"index;not null;default:true" json:"isActive"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

func (Forum) TableName() string {
	return "forums"
}

// MembershipState is the state of a (forum, user) pair. A pair with no row is
// a non-member.
type MembershipState string

const (
	StateNonMember MembershipState = ""
	StatePending   MembershipState = "pending"
	StateInvited   MembershipState = "invited"
	StateMember    MembershipState = "member"
)

func (s MembershipState) String() string {
	if s == StateNonMember {
		return "none"
	}
	return string(s)
}

// ForumMembership holds one row per (forum, user). The composite primary key
// makes "at most one state per pair" a storage guarantee.
type ForumMembership struct {
	ForumID   string          `gorm:"primaryKey;type:varchar(64)" json:"forumId"`
	UserID    string          `gorm:"primaryKey;type:varchar(64);index" json:"userId"`
	State     MembershipState `gorm:"index;not null;type:varchar(16)" json:"state"`
	InvitedBy string          `gorm:"type:varchar(64)" json:"invitedBy,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

func (ForumMembership) TableName() string {
	return "forum_memberships"
}

// MembershipEvent is emitted after every successful membership transition.
type MembershipEvent struct {
	ForumID   string          `json:"forumId"`
	UserID    string          `json:"userId"`
	ActorID   string          `json:"actorId"`
	Action    string          `json:"action"`
	From      MembershipState `json:"from"`
	To        MembershipState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
}
