package models

import "time"

// AuditLog is append-only. Engine-driven entries carry a RunID and no user.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time

	OrganizationID uint `gorm:"index"`
	UserID         *uint
	User           *User

	Entity   string `gorm:"size:50;not null"` // "risk", "evidence", "control", "tracked_item", "device"
	EntityID uint
	Action   string `gorm:"size:50;not null"` // "create", "reopen", "mitigate", "status_change"...
	Details  string `gorm:"type:text"`
	RunID    string `gorm:"size:36;index"`
}
