package models

import (
	"time"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
	RoleGuest = "guest"

	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusBanned   = "banned"
)

// User is the resource managed by the users API. Username and email are unique
// across all live rows; ids are never reused after deletion.
type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_users_username" json:"username"`
	Email        string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_users_email" json:"email"`
	PasswordHash string    `gorm:"column:password_hash;not null" json:"-"`
	Age          *int      `json:"age"`
	Role         string    `gorm:"type:varchar(16);not null;default:user;index:idx_users_role" json:"role"`
	Status       string    `gorm:"type:varchar(16);not null;default:active" json:"status"`
	CreatedAt    time.Time `gorm:"not null;index:idx_users_created_at,sort:desc" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

func (User) TableName() string { return "users" }

// UniqueColumns maps each unique column to this record's value.
func (u *User) UniqueColumns() map[string]any {
	return map[string]any{
		"username": u.Username,
		"email":    u.Email,
	}
}
