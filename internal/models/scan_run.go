package models

import "time"

type RunKind string
type RunStatus string

const (
	RunRepositories RunKind = "repositories"
	RunDevice       RunKind = "device"

	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// ScanRun is the history row for one engine run.
type ScanRun struct {
	ID             string    `gorm:"primaryKey;size:36"`
	OrganizationID uint      `gorm:"not null;index"`
	Kind           RunKind   `gorm:"type:varchar(20);not null"`
	Trigger        string    `gorm:"size:32"` // scheduled, manual, connection, checkin
	Status         RunStatus `gorm:"type:varchar(20);not null"`
	StartedAt      time.Time
	FinishedAt     *time.Time

	Checks   int
	Passed   int
	Failed   int
	Warnings int
	Error    string `gorm:"type:text"`
}

