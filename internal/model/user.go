package model

import (
	"time"
)

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleCompany    Role = "company"
	RoleStaff      Role = "staff"
	RoleCustomer   Role = "customer"
	RoleInfluencer Role = "influencer"
)

type UserStatus string

const (
	UserActive     UserStatus = "active"
	UserBlocked    UserStatus = "blocked"
	UserUnverified UserStatus = "unverified"
)

// User is the read model of a marketplace account. Accounts are registered
// elsewhere; this service only reads them for authorization and profile
// projections.
type User struct {
	ID          string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name        string     `gorm:"not null;type:varchar(255)" json:"name"`
	Email       string     `gorm:"uniqueIndex;not null;type:varchar(255)" json:"email"`
	Avatar      string     `gorm:"type:varchar(512)" json:"avatar,omitempty"`
	CompanyName string     `gorm:"type:varchar(255)" json:"companyName,omitempty"`
	Role        Role       `gorm:"index;not null;type:varchar(32)" json:"role"`
	Status      UserStatus `gorm:"not null;type:varchar(32);default:active" json:"status"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

func (User) TableName() string {
	return "users"
}

// UserSummary is the minimal profile projection embedded in forum and
// connection responses.
type UserSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	CompanyName string `json:"companyName,omitempty"`
}

func (u *User) Summary() UserSummary {
	return UserSummary{
		ID:          u.ID,
		Name:        u.Name,
		Email:       u.Email,
		Avatar:      u.Avatar,
		CompanyName: u.CompanyName,
	}
}
