// Package source is the read-only boundary to external signals: the
// source-hosting platform's organization data and the device agent's
// posture reports.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoData marks a permission-scoped answer (403/404) that means "nothing
// visible here" rather than a failure.
var ErrNoData = errors.New("no data")

// TransientError wraps a failure that may succeed on a later attempt
// (network errors, 5xx, rate limiting).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

type Repository struct {
	Name          string
	FullName      string
	DefaultBranch string
	Visibility    string
	Private       bool
	Archived      bool
}

// Public reports whether the repository is visible outside the organization.
func (r Repository) Public() bool {
	if r.Visibility != "" {
		return r.Visibility == "public"
	}
	return !r.Private
}

type Member struct {
	Login string
}

type Organization struct {
	Login string
	Name  string
	// TwoFactorRequired is nil when the caller lacks the rights to see it.
	TwoFactorRequired *bool
}

type Alert struct {
	Number   int
	Severity string // low, medium, high, critical
	Package  string
	Summary  string
}

type PullRequest struct {
	Number   int
	Title    string
	Author   string
	MergedBy string
	MergedAt time.Time
}

type Review struct {
	Reviewer string
	State    string // APPROVED, CHANGES_REQUESTED, COMMENTED, DISMISSED
}

type BranchProtection struct {
	RequiredApprovals int
	EnforceAdmins     bool
}

// Client lists what the engine needs from the source-hosting platform.
// Implementations return ErrNoData (possibly wrapped) for permission-scoped
// misses so callers can treat them as empty results.
type Client interface {
	ListRepositories(ctx context.Context, org string) ([]Repository, error)
	ListMembers(ctx context.Context, org string) ([]Member, error)
	GetOrganization(ctx context.Context, org string) (*Organization, error)
	ListOpenAlerts(ctx context.Context, org, repo string) ([]Alert, error)
	ListMergedPullRequests(ctx context.Context, org, repo string, since time.Time) ([]PullRequest, error)
	ListReviews(ctx context.Context, org, repo string, number int) ([]Review, error)
	GetBranchProtection(ctx context.Context, org, repo, branch string) (*BranchProtection, error)
}

// DeviceReport is the posture payload submitted by the endpoint agent.
type DeviceReport struct {
	DiskEncryptionEnabled  bool
	ScreenLockEnabled      bool
	FirewallEnabled        bool
	SystemIntegrityEnabled bool
	AutoUpdateEnabled      bool
	OSVersion              string
	Hostname               string
	SerialNumber           string
	AgentVersion           string
}

// Compliant reports whether every posture control is enabled.
func (r DeviceReport) Compliant() bool {
	return r.DiskEncryptionEnabled &&
		r.ScreenLockEnabled &&
		r.FirewallEnabled &&
		r.SystemIntegrityEnabled &&
		r.AutoUpdateEnabled
}
