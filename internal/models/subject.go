package models

import "time"

type SubjectKind string

const (
	SubjectRepository   SubjectKind = "REPO"
	SubjectDevice       SubjectKind = "DEVICE"
	SubjectOrganization SubjectKind = "ORGANIZATION" // org-wide checks (MFA, members)
)

// Subject is the entity a check is evaluated against. Identity is the natural
// key (organization, kind, external id); rows are upserted by the engine and
// never deleted.
type Subject struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	OrganizationID uint        `gorm:"not null;uniqueIndex:idx_subject_key"`
	Kind           SubjectKind `gorm:"type:varchar(20);not null;uniqueIndex:idx_subject_key"`
	ExternalID     string      `gorm:"size:255;not null;uniqueIndex:idx_subject_key"` // repo full name, device key, org login
	Name           string      `gorm:"size:255;not null"`
	Private        bool
	Archived       bool
}
