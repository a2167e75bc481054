package database

import "time"

// ConnectionAuditLog is one persisted connection lifecycle event.
type ConnectionAuditLog struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID      string    `gorm:"uniqueIndex;size:36" json:"event_id"`
	ConnectionID string    `gorm:"index;size:128" json:"connection_id"`
	OwnerID      string    `gorm:"index;size:256" json:"owner_id"`
	EventType    string    `gorm:"index;not null;size:32" json:"event_type"`
	Details      string    `gorm:"type:text" json:"details"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}
