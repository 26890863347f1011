package checks

import (
	"github.com/vinmnit159/isms-backend/internal/models"
	"github.com/vinmnit159/isms-backend/internal/source"
)

const (
	VulnerabilitiesCritical Name = "github_vulnerabilities_critical"
	VulnerabilitiesHigh     Name = "github_vulnerabilities_high"
	VulnerabilitiesMedium   Name = "github_vulnerabilities_medium"
	VulnerabilitiesLow      Name = "github_vulnerabilities_low"
	IdentityRoster          Name = "github_identity_roster"
	MembersMapped           Name = "github_members_mapped"
	Deprovisioning          Name = "github_deprovisioning"
	MFAEnforced             Name = "github_mfa_enforced"
	ChangeApprovalRate      Name = "github_change_approval_rate"
	ChangeReviewCoverage    Name = "github_change_review_coverage"
	AuthorNotReviewer       Name = "github_author_not_reviewer"
	BranchProtection        Name = "github_branch_protection"
	VersionControl          Name = "github_version_control"
	RepositoryPrivacy       Name = "github_repository_privacy"

	DeviceDiskEncryption  Name = "device_disk_encryption"
	DeviceScreenLock      Name = "device_screen_lock"
	DeviceFirewall        Name = "device_firewall"
	DeviceSystemIntegrity Name = "device_system_integrity"
	DeviceAutoUpdate      Name = "device_auto_update"
)

// Definitions returns the built-in checks. Control references are
// ISO/IEC 27001:2022 Annex A clauses.
func Definitions() []Definition {
	return []Definition{
		{
			Name:        VulnerabilitiesCritical,
			Title:       "Critical vulnerability alerts",
			Description: "Open critical-severity dependency alerts must be remediated.",
			Scope:       ScopeRepositories,
			Controls:    []string{"A.8.8"},
			Impact:      models.LevelCritical,
			Likelihood:  models.LevelHigh,
			Evaluate:    vulnerabilities("critical"),
		},
		{
			Name:        VulnerabilitiesHigh,
			Title:       "High vulnerability alerts",
			Description: "Open high-severity dependency alerts must be remediated.",
			Scope:       ScopeRepositories,
			Controls:    []string{"A.8.8"},
			Impact:      models.LevelHigh,
			Likelihood:  models.LevelHigh,
			Evaluate:    vulnerabilities("high"),
		},
		{
			Name:        VulnerabilitiesMedium,
			Title:       "Medium vulnerability alerts",
			Description: "Open medium-severity dependency alerts must be remediated.",
			Scope:       ScopeRepositories,
			Controls:    []string{"A.8.8"},
			Impact:      models.LevelMedium,
			Likelihood:  models.LevelMedium,
			Evaluate:    vulnerabilities("medium"),
		},
		{
			Name:        VulnerabilitiesLow,
			Title:       "Low vulnerability alerts",
			Description: "Open low-severity dependency alerts should be remediated.",
			Scope:       ScopeRepositories,
			Controls:    []string{"A.8.8"},
			Impact:      models.LevelLow,
			Likelihood:  models.LevelLow,
			Evaluate:    vulnerabilities("low"),
		},
		{
			Name:        IdentityRoster,
			Title:       "Source control identity roster",
			Description: "The organization's member roster must be visible for access review.",
			Scope:       ScopeRepositories,
			Controls:    []string{"A.5.16"},
			Impact:      models.LevelMedium,
			Likelihood:  models.LevelLow,
			Evaluate:    identityRoster,
		},
		{
			Name:        MembersMapped,
			Title:       "Members linked to internal identities",
			Description: "Every source control member must map to an internal user.",
			Scope:       ScopeRepositories,
			Controls:    []string{"A.5.16", "A.5.18"},
			Impact:      models.LevelMedium,
			Likelihood:  models.LevelMedium,
			Evaluate:    membersMapped,
		},
		{
			Name:        Deprovisioning,
			Title:       "Source control deprovisioning",
			Description: "Members must correspond to active internal users.",
			Scope:       ScopeRepositories,
			Controls:    []string{"A.5.18"},
			Impact:      models.LevelHigh,
			Likelihood:  models.LevelMedium,
			Evaluate:    deprovisioning,
		},
		{
			Name:        MFAEnforced,
			Title:       "Source control MFA enforcement",
			Description: "The organization must require two-factor authentication.",
			Scope:       ScopeRepositories,
			Controls:    []string{"A.8.5", "A.5.17"},
			Impact:      models.LevelHigh,
			Likelihood:  models.LevelHigh,
			Evaluate:    mfaEnforced,
		},
		{
			Name:        ChangeApprovalRate,
			Title:       "Change approval rate",
			Description: "Merged changes in the last 30 days must carry an approving review.",
			Scope:       ScopeRepositories,
			Controls:    []string{"A.8.32"},
			Impact:      models.LevelMedium,
			Likelihood:  models.LevelMedium,
			Evaluate:    changeRate("approved by a reviewer", 1.0, 0.8, func(s changeStats) int { return s.approved }),
		},
		{
			Name:        ChangeReviewCoverage,
			Title:       "Change review coverage",
			Description: "At least 90% of merged changes in the last 30 days must be reviewed.",
			Scope:       ScopeRepositories,
			Controls:    []string{"A.8.32", "A.8.25"},
			Impact:      models.LevelMedium,
			Likelihood:  models.LevelMedium,
			Evaluate:    changeRate("reviewed", 0.9, 0.7, func(s changeStats) int { return s.reviewed }),
		},
		{
			Name:        AuthorNotReviewer,
			Title:       "Author is not reviewer",
			Description: "A change must not be approved by its own author.",
			Scope:       ScopeRepositories,
			Controls:    []string{"A.5.3", "A.8.32"},
			Impact:      models.LevelHigh,
			Likelihood:  models.LevelLow,
			Evaluate:    authorNotReviewer,
		},
		{
			Name:        BranchProtection,
			Title:       "Default branch protection",
			Description: "Default branches must require an approving review before merge.",
			Scope:       ScopeRepositories,
			Controls:    []string{"A.8.32", "A.8.4"},
			Impact:      models.LevelMedium,
			Likelihood:  models.LevelMedium,
			Evaluate:    branchProtection,
		},
		{
			Name:        VersionControl,
			Title:       "Version control in use",
			Description: "Source code must be kept in at least one active repository.",
			Scope:       ScopeRepositories,
			Controls:    []string{"A.8.4"},
			Impact:      models.LevelMedium,
			Likelihood:  models.LevelLow,
			Evaluate:    versionControl,
		},
		{
			Name:        RepositoryPrivacy,
			Title:       "Repository visibility",
			Description: "Repositories must not be publicly visible.",
			Scope:       ScopeRepositories,
			Controls:    []string{"A.8.4", "A.5.10"},
			Impact:      models.LevelHigh,
			Likelihood:  models.LevelMedium,
			Evaluate:    repositoryPrivacy,
		},
		{
			Name:        DeviceDiskEncryption,
			Title:       "Device disk encryption",
			Description: "Endpoint storage must be encrypted.",
			Scope:       ScopeDevice,
			Controls:    []string{"A.8.1", "A.8.24"},
			Impact:      models.LevelHigh,
			Likelihood:  models.LevelMedium,
			Evaluate:    posture("disk encryption", func(r source.DeviceReport) bool { return r.DiskEncryptionEnabled }),
		},
		{
			Name:        DeviceScreenLock,
			Title:       "Device screen lock",
			Description: "Endpoints must lock the screen when idle.",
			Scope:       ScopeDevice,
			Controls:    []string{"A.8.1", "A.7.7"},
			Impact:      models.LevelMedium,
			Likelihood:  models.LevelMedium,
			Evaluate:    posture("screen lock", func(r source.DeviceReport) bool { return r.ScreenLockEnabled }),
		},
		{
			Name:        DeviceFirewall,
			Title:       "Device firewall",
			Description: "Endpoints must run a host firewall.",
			Scope:       ScopeDevice,
			Controls:    []string{"A.8.1", "A.8.20"},
			Impact:      models.LevelMedium,
			Likelihood:  models.LevelMedium,
			Evaluate:    posture("firewall", func(r source.DeviceReport) bool { return r.FirewallEnabled }),
		},
		{
			Name:        DeviceSystemIntegrity,
			Title:       "Device system integrity protection",
			Description: "Endpoints must keep OS integrity protection enabled.",
			Scope:       ScopeDevice,
			Controls:    []string{"A.8.1", "A.8.7"},
			Impact:      models.LevelHigh,
			Likelihood:  models.LevelLow,
			Evaluate:    posture("system integrity protection", func(r source.DeviceReport) bool { return r.SystemIntegrityEnabled }),
		},
		{
			Name:        DeviceAutoUpdate,
			Title:       "Device automatic updates",
			Description: "Endpoints must install OS updates automatically.",
			Scope:       ScopeDevice,
			Controls:    []string{"A.8.1", "A.8.8"},
			Impact:      models.LevelMedium,
			Likelihood:  models.LevelHigh,
			Evaluate:    posture("automatic updates", func(r source.DeviceReport) bool { return r.AutoUpdateEnabled }),
		},
	}
}

// Default is the registry of built-in checks.
func Default() *Registry {
	return MustRegistry(Definitions()...)
}
