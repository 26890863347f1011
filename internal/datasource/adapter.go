package datasource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/vinmnit159/isms-backend/internal/source"
)

// ErrNoDeviceReport is returned by DeviceReport on adapters built for
// repository runs.
var ErrNoDeviceReport = errors.New("no device report in this run")

// Adapter exposes the external data a run's checks consume. Every fetch goes
// through the run's cache.
type Adapter struct {
	client source.Client
	org    string
	cache  *RunCache
	since  time.Time

	device *source.DeviceReport
}

type Option func(*Adapter)

// WithChangeWindow sets how far back merged changes are considered,
// measured from now.
func WithChangeWindow(now time.Time, window time.Duration) Option {
	return func(a *Adapter) {
		a.since = now.Add(-window)
	}
}

// New builds an adapter for a repository run over org.
func New(client source.Client, org string, cache *RunCache, opts ...Option) *Adapter {
	a := &Adapter{
		client: client,
		org:    org,
		cache:  cache,
		since:  time.Now().Add(-30 * 24 * time.Hour),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ForDevice builds an adapter that serves a single checkin's posture report.
func ForDevice(report source.DeviceReport, cache *RunCache) *Adapter {
	return &Adapter{cache: cache, device: &report}
}

func (a *Adapter) Organization() string { return a.org }

func (a *Adapter) Cache() *RunCache { return a.cache }

// Since is the start of the change window.
func (a *Adapter) Since() time.Time { return a.since }

func (a *Adapter) requireClient() error {
	if a.client == nil {
		return errors.New("adapter has no source client")
	}
	return nil
}

func (a *Adapter) Repositories(ctx context.Context) ([]source.Repository, error) {
	if err := a.requireClient(); err != nil {
		return nil, err
	}
	return load(ctx, a.cache, "repos:"+a.org, func(ctx context.Context) ([]source.Repository, error) {
		return a.client.ListRepositories(ctx, a.org)
	})
}

// ActiveRepositories filters out archived repositories.
func (a *Adapter) ActiveRepositories(ctx context.Context) ([]source.Repository, error) {
	repos, err := a.Repositories(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]source.Repository, 0, len(repos))
	for _, r := range repos {
		if !r.Archived {
			active = append(active, r)
		}
	}
	return active, nil
}

func (a *Adapter) Members(ctx context.Context) ([]source.Member, error) {
	if err := a.requireClient(); err != nil {
		return nil, err
	}
	return load(ctx, a.cache, "members:"+a.org, func(ctx context.Context) ([]source.Member, error) {
		return a.client.ListMembers(ctx, a.org)
	})
}

// OrganizationInfo returns nil when the organization is not visible.
func (a *Adapter) OrganizationInfo(ctx context.Context) (*source.Organization, error) {
	if err := a.requireClient(); err != nil {
		return nil, err
	}
	return load(ctx, a.cache, "org:"+a.org, func(ctx context.Context) (*source.Organization, error) {
		return a.client.GetOrganization(ctx, a.org)
	})
}

func (a *Adapter) OpenAlerts(ctx context.Context, repo string) ([]source.Alert, error) {
	if err := a.requireClient(); err != nil {
		return nil, err
	}
	return load(ctx, a.cache, "alerts:"+a.org+"/"+repo, func(ctx context.Context) ([]source.Alert, error) {
		return a.client.ListOpenAlerts(ctx, a.org, repo)
	})
}

func (a *Adapter) MergedPullRequests(ctx context.Context, repo string) ([]source.PullRequest, error) {
	if err := a.requireClient(); err != nil {
		return nil, err
	}
	return load(ctx, a.cache, "pulls:"+a.org+"/"+repo, func(ctx context.Context) ([]source.PullRequest, error) {
		return a.client.ListMergedPullRequests(ctx, a.org, repo, a.since)
	})
}

func (a *Adapter) Reviews(ctx context.Context, repo string, number int) ([]source.Review, error) {
	if err := a.requireClient(); err != nil {
		return nil, err
	}
	key := "reviews:" + a.org + "/" + repo + "#" + strconv.Itoa(number)
	return load(ctx, a.cache, key, func(ctx context.Context) ([]source.Review, error) {
		return a.client.ListReviews(ctx, a.org, repo, number)
	})
}

// BranchProtection returns nil when the branch is unprotected or not visible.
func (a *Adapter) BranchProtection(ctx context.Context, repo, branch string) (*source.BranchProtection, error) {
	if err := a.requireClient(); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("protection:%s/%s@%s", a.org, repo, branch)
	return load(ctx, a.cache, key, func(ctx context.Context) (*source.BranchProtection, error) {
		return a.client.GetBranchProtection(ctx, a.org, repo, branch)
	})
}

func (a *Adapter) DeviceReport() (source.DeviceReport, error) {
	if a.device == nil {
		return source.DeviceReport{}, ErrNoDeviceReport
	}
	return *a.device, nil
}
