package models

import (
	"strconv"
	"time"

	"gorm.io/gorm"
)

type DeviceCompliance string

const (
	DeviceCompliant    DeviceCompliance = "COMPLIANT"
	DeviceNonCompliant DeviceCompliance = "NON_COMPLIANT"
	DeviceUnknown      DeviceCompliance = "UNKNOWN"
)

// Device is a managed endpoint reporting posture through the agent.
type Device struct {
	gorm.Model
	OrganizationID uint `gorm:"not null;index"`
	OwnerID        *uint

	Hostname     string `gorm:"size:255"`
	SerialNumber string `gorm:"size:100"`
	OSVersion    string `gorm:"size:100"`
	TokenHash    string `gorm:"not null"` // bcrypt of the per-device credential

	DiskEncryptionEnabled  bool
	ScreenLockEnabled      bool
	FirewallEnabled        bool
	SystemIntegrityEnabled bool
	AutoUpdateEnabled      bool

	Compliance    DeviceCompliance `gorm:"type:varchar(20);not null;default:UNKNOWN"`
	LastCheckinAt *time.Time
}

// SubjectKey is the external id of the device's Subject row.
func (d Device) SubjectKey() string {
	return "device:" + strconv.FormatUint(uint64(d.ID), 10)
}
