package models

import "gorm.io/gorm"

type UserRole string

const (
	RoleAdmin           UserRole = "admin"
	RoleSecurityOfficer UserRole = "security_officer"
	RoleEngineer        UserRole = "engineer"
	RoleViewer          UserRole = "viewer"
)

type User struct {
	gorm.Model
	OrganizationID uint     `gorm:"index"`
	Username       string   `gorm:"uniqueIndex;size:50;not null"`
	PasswordHash   string   `gorm:"not null"`
	Role           UserRole `gorm:"type:varchar(20);not null"`
	Active         bool     `gorm:"not null"`
}

// ProviderGitHub is the IdentityLink provider of GitHub logins.
const ProviderGitHub = "github"

// IdentityLink maps an external (source-hosting) login onto an internal user.
type IdentityLink struct {
	gorm.Model
	OrganizationID uint   `gorm:"not null;uniqueIndex:idx_identity_login"`
	Provider       string `gorm:"size:32;not null;uniqueIndex:idx_identity_login"`
	ExternalLogin  string `gorm:"size:100;not null;uniqueIndex:idx_identity_login"`
	UserID         uint   `gorm:"not null"`
	User           User
}
