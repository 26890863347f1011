package models

import "time"

// Evidence is a deduplicated proof artifact, unique per (organization,
// control, content hash).
type Evidence struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	OrganizationID uint   `gorm:"not null;uniqueIndex:idx_evidence_control_hash"`
	ControlID      uint   `gorm:"not null;uniqueIndex:idx_evidence_control_hash"`
	ContentHash    string `gorm:"size:64;not null;uniqueIndex:idx_evidence_control_hash"`
	Control        Control

	CheckName         string `gorm:"size:100;not null"`
	Result            string `gorm:"size:16;not null"`
	Automated         bool   `gorm:"not null;default:true"`
	SourceDescription string `gorm:"size:255"`
	Payload           string `gorm:"type:text"`
	RunID             string `gorm:"size:36"`
}

func (Evidence) TableName() string { return "evidence" }
