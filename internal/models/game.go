package models

import "time"

// GameAlias maps a raw game id to its canonical id within a tenant.
type GameAlias struct {
	ID          uint   `gorm:"primaryKey"`
	Tenant      string `gorm:"size:255;not null;uniqueIndex:idx_game_aliases_tenant_game"`
	GameID      string `gorm:"size:255;not null;uniqueIndex:idx_game_aliases_tenant_game"`
	AliasGameID string `gorm:"size:255;not null;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GameName is the display name of a canonical game id within a tenant.
type GameName struct {
	ID        uint   `gorm:"primaryKey"`
	Tenant    string `gorm:"size:255;not null;uniqueIndex:idx_game_names_tenant_game"`
	GameID    string `gorm:"size:255;not null;uniqueIndex:idx_game_names_tenant_game"`
	Name      string `gorm:"size:255;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GameDefault holds the search parameters used for a game when a search
// does not specify them.
type GameDefault struct {
	ID             uint   `gorm:"primaryKey"`
	Tenant         string `gorm:"size:255;not null;uniqueIndex:idx_game_defaults_tenant_game"`
	GameID         string `gorm:"size:255;not null;uniqueIndex:idx_game_defaults_tenant_game"`
	MaxPlayerCount *int
	Description    *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
