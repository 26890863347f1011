package models

import "time"

type ControlState string

const (
	ControlImplemented          ControlState = "IMPLEMENTED"
	ControlPartiallyImplemented ControlState = "PARTIALLY_IMPLEMENTED"
	ControlNotImplemented       ControlState = "NOT_IMPLEMENTED"
)

// Control is an entry of the compliance framework catalog (ISO/IEC 27001 Annex A).
type Control struct {
	ID          uint   `gorm:"primaryKey"`
	Reference   string `gorm:"size:32;uniqueIndex;not null"` // e.g. A.8.8
	Framework   string `gorm:"size:64;not null"`
	Title       string `gorm:"size:255;not null"`
	Description string `gorm:"type:text"`
}

// ControlStatus is the aggregated implementation state of a control for one
// organization, recomputed in full on every run.
type ControlStatus struct {
	ID        uint `gorm:"primaryKey"`
	UpdatedAt time.Time

	OrganizationID uint `gorm:"not null;uniqueIndex:idx_control_status_key"`
	ControlID      uint `gorm:"not null;uniqueIndex:idx_control_status_key"`
	Control        Control

	Status     ControlState `gorm:"type:varchar(32);not null"`
	PassCount  int
	TotalCount int
}

// CheckResult is the latest per-subject outcome of a check. Rows for one
// (organization, check, scope) are replaced as a unit by each run.
type CheckResult struct {
	ID uint `gorm:"primaryKey"`

	OrganizationID uint   `gorm:"not null;uniqueIndex:idx_check_result_key"`
	CheckName      string `gorm:"size:100;not null;uniqueIndex:idx_check_result_key"`
	SubjectID      uint   `gorm:"not null;uniqueIndex:idx_check_result_key"`
	Scope          string `gorm:"size:255;not null;index"` // org login or device key
	Result         string `gorm:"size:16;not null"`
	RunID          string `gorm:"size:36"`
	EvaluatedAt    time.Time
}
