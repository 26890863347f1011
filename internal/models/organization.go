package models

import "gorm.io/gorm"

type Organization struct {
	gorm.Model
	Name         string `gorm:"size:255;not null"`
	GitHubLogin  string `gorm:"size:100;index"` // login of the connected GitHub organization
	Industry     string `gorm:"size:100"`
	ContactEmail string `gorm:"size:255"`
	Notes        string `gorm:"type:text"`

	// user who connected the GitHub account, used as the ownership fallback
	ConnectedByID *uint

	Subjects []Subject
	Devices  []Device
}

// Connected reports whether repository checks can run for the organization.
func (o Organization) Connected() bool {
	return o.GitHubLogin != ""
}
