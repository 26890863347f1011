package models

import (
	"time"

	"gorm.io/gorm"
)

type TrackedItemKind string
type TrackedStatus string

const (
	ItemManual    TrackedItemKind = "manual"
	ItemAutomated TrackedItemKind = "automated"

	StatusDueSoon          TrackedStatus = "Due_soon"
	StatusNeedsRemediation TrackedStatus = "Needs_remediation"
	StatusOK               TrackedStatus = "OK"
	StatusOverdue          TrackedStatus = "Overdue"
)

// TrackedItem is a work item with a due date: either a manual task or the
// automated test behind a registered check. The engine never deletes rows.
type TrackedItem struct {
	gorm.Model
	OrganizationID uint `gorm:"not null;index"`

	Title       string          `gorm:"size:255;not null"`
	Kind        TrackedItemKind `gorm:"type:varchar(20);not null"`
	CheckName   string          `gorm:"size:100;index"` // automated items only
	ControlRef  string          `gorm:"size:32"`
	Description string          `gorm:"type:text"`

	StoredStatus  TrackedStatus `gorm:"type:varchar(32);not null"`
	DueDate       *time.Time
	CompletedAt   *time.Time
	LastRunResult string `gorm:"size:16"`
	LastRunAt     *time.Time

	OwnerID *uint
}
