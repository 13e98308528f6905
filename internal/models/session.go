package models

import "time"

// Session is a forming group for one game within a tenant.
// ID gives the creation order; SessionID is the identity handed to callers.
type Session struct {
	ID             uint      `gorm:"primaryKey"`
	SessionID      string    `gorm:"size:36;uniqueIndex;not null"`
	Tenant         string    `gorm:"size:255;not null;index:idx_sessions_tenant_game"`
	GameID         string    `gorm:"size:255;not null;index:idx_sessions_tenant_game"`
	MaxPlayerCount int       `gorm:"not null"`
	Description    string    `gorm:"not null;default:''"`
	CreatedAt      time.Time

	Joins []UserJoin `gorm:"foreignKey:SessionRef;constraint:OnDelete:CASCADE;"`
}

// UserJoin records a user's participation in a session until ExpireAt.
// ExpireAt is stored as unix milliseconds so that comparisons behave the
// same on every driver.
type UserJoin struct {
	ID         uint   `gorm:"primaryKey"`
	UserID     string `gorm:"size:255;not null;uniqueIndex:idx_user_joins_user_session"`
	SessionRef uint   `gorm:"not null;uniqueIndex:idx_user_joins_user_session;index"`
	ExpireAt   int64  `gorm:"not null;index"`
}
