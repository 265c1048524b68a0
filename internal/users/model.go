package users

import (
	"strings"
	"time"
)

// Role enumerates the account roles recognized by the platform.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// User is a durable account record. Accounts are created lazily on the first
// successful email verification.
type User struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	Email       string    `gorm:"column:email;size:320;not null;uniqueIndex" json:"email"`
	DisplayName string    `gorm:"column:display_name;size:320;not null;default:''" json:"display_name"`
	Role        Role      `gorm:"column:role;size:32;not null;default:'student'" json:"role"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at" json:"last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// normalizeEmail lowercases and trims the address used as the account key.
func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
