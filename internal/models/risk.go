package models

import "time"

type RiskLevel string

const (
	LevelLow      RiskLevel = "LOW"
	LevelMedium   RiskLevel = "MEDIUM"
	LevelHigh     RiskLevel = "HIGH"
	LevelCritical RiskLevel = "CRITICAL"
)

// Ordinal maps a level onto the 1..4 scale used for risk scores.
// Unknown levels score 0.
func (l RiskLevel) Ordinal() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	}
	return 0
}

type RiskStatus string

const (
	RiskOpen      RiskStatus = "OPEN"
	RiskMitigated RiskStatus = "MITIGATED"
)

// Risk is a scored finding of non-compliance, unique per (subject, title).
// Status, impact, likelihood and score belong to the engine; description and
// treatment are narrative fields a human may edit.
type Risk struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	OrganizationID uint `gorm:"not null;index"`
	SubjectID      uint `gorm:"not null;uniqueIndex:idx_risk_subject_title"`
	Subject        Subject

	CheckName   string     `gorm:"size:100;not null;index"`
	Title       string     `gorm:"size:255;not null;uniqueIndex:idx_risk_subject_title"`
	Description string     `gorm:"type:text"`
	Treatment   string     `gorm:"type:text"`
	Impact      RiskLevel  `gorm:"type:varchar(16);not null"`
	Likelihood  RiskLevel  `gorm:"type:varchar(16);not null"`
	Score       int        `gorm:"not null"`
	Status      RiskStatus `gorm:"type:varchar(16);not null;index"`

	OwnerID     *uint
	MitigatedAt *time.Time
	ReopenCount int
}
