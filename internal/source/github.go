package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v58/github"
	"github.com/vinmnit159/isms-backend/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const pageSize = 100

// GitHubClient implements Client over the GitHub REST API.
type GitHubClient struct {
	gh          *github.Client
	limiter     *rate.Limiter
	log         *zap.Logger
	maxAttempts int
	baseDelay   time.Duration
	maxElapsed  time.Duration
}

type GitHubOption func(*GitHubClient) error

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(raw string) GitHubOption {
	return func(c *GitHubClient) error {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse github base url: %w", err)
		}
		c.gh.BaseURL = u
		return nil
	}
}

// WithRateLimit paces outbound requests.
func WithRateLimit(perSecond float64, burst int) GitHubOption {
	return func(c *GitHubClient) error {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		return nil
	}
}

// WithRetry sets how many times a transient failure is attempted and the
// initial backoff between attempts. Backoff grows exponentially with jitter.
func WithRetry(attempts int, baseDelay time.Duration) GitHubOption {
	return func(c *GitHubClient) error {
		if attempts < 1 {
			attempts = 1
		}
		c.maxAttempts = attempts
		c.baseDelay = baseDelay
		return nil
	}
}

// WithMaxElapsed bounds the total time spent retrying one request.
func WithMaxElapsed(d time.Duration) GitHubOption {
	return func(c *GitHubClient) error {
		c.maxElapsed = d
		return nil
	}
}

// FromConfig builds the client from service configuration.
func FromConfig(cfg *config.Config, logger *zap.Logger) (*GitHubClient, error) {
	opts := []GitHubOption{
		WithRateLimit(cfg.GitHubRatePerSec, int(cfg.GitHubRatePerSec)+1),
		WithRetry(3, 500*time.Millisecond),
	}
	if cfg.GitHubAPIURL != "" {
		opts = append(opts, WithBaseURL(cfg.GitHubAPIURL))
	}
	return NewGitHubClient(cfg.GitHubToken, logger, opts...)
}

func NewGitHubClient(token string, logger *zap.Logger, opts ...GitHubOption) (*GitHubClient, error) {
	gh := github.NewClient(&http.Client{Timeout: 30 * time.Second})
	if token != "" {
		gh = gh.WithAuthToken(token)
	}

	c := &GitHubClient{
		gh:          gh,
		limiter:     rate.NewLimiter(rate.Limit(10), 10),
		log:         logger.Named("github"),
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		maxElapsed:  time.Minute,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *GitHubClient) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = c.maxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)
}

// call runs one API request with pacing, retry on transient failures and
// error classification.
func (c *GitHubClient) call(ctx context.Context, op string, fn func() (*github.Response, error)) error {
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		resp, err := fn()
		err = classify(op, resp, err)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		c.log.Warn("retrying github request",
			zap.String("op", op),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	return backoff.RetryNotify(operation, c.newBackOff(ctx), notify)
}

func classify(op string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if errors.Is(err, github.ErrBranchNotProtected) {
		return fmt.Errorf("%s: %w", op, ErrNoData)
	}

	var rle *github.RateLimitError
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &abuse) {
		return &TransientError{Op: op, Err: err}
	}

	status := 0
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		status = er.Response.StatusCode
	} else if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}

	switch {
	case status == http.StatusForbidden || status == http.StatusNotFound:
		return fmt.Errorf("%s: %w (status %d)", op, ErrNoData, status)
	case status >= 500 || status == 0:
		return &TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *GitHubClient) ListRepositories(ctx context.Context, org string) ([]Repository, error) {
	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: github.ListOptions{PerPage: pageSize},
	}

	var out []Repository
	for {
		var page []*github.Repository
		var resp *github.Response
		err := c.call(ctx, "list repositories", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Repositories.ListByOrg(ctx, org, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		for _, r := range page {
			out = append(out, Repository{
				Name:          r.GetName(),
				FullName:      r.GetFullName(),
				DefaultBranch: r.GetDefaultBranch(),
				Visibility:    r.GetVisibility(),
				Private:       r.GetPrivate(),
				Archived:      r.GetArchived(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *GitHubClient) ListMembers(ctx context.Context, org string) ([]Member, error) {
	opts := &github.ListMembersOptions{ListOptions: github.ListOptions{PerPage: pageSize}}

	var out []Member
	for {
		var page []*github.User
		var resp *github.Response
		err := c.call(ctx, "list members", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Organizations.ListMembers(ctx, org, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		for _, u := range page {
			out = append(out, Member{Login: u.GetLogin()})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *GitHubClient) GetOrganization(ctx context.Context, org string) (*Organization, error) {
	var o *github.Organization
	err := c.call(ctx, "get organization", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		o, resp, err = c.gh.Organizations.Get(ctx, org)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return &Organization{
		Login:             o.GetLogin(),
		Name:              o.GetName(),
		TwoFactorRequired: o.TwoFactorRequirementEnabled,
	}, nil
}

func (c *GitHubClient) ListOpenAlerts(ctx context.Context, org, repo string) ([]Alert, error) {
	opts := &github.ListAlertsOptions{
		State:             github.String("open"),
		ListCursorOptions: github.ListCursorOptions{PerPage: pageSize},
	}

	var out []Alert
	for {
		var page []*github.DependabotAlert
		var resp *github.Response
		err := c.call(ctx, "list alerts", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Dependabot.ListRepoAlerts(ctx, org, repo, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		for _, a := range page {
			out = append(out, Alert{
				Number:   a.GetNumber(),
				Severity: strings.ToLower(a.GetSecurityAdvisory().GetSeverity()),
				Package:  a.GetDependency().GetPackage().GetName(),
				Summary:  a.GetSecurityAdvisory().GetSummary(),
			})
		}
		if resp == nil || resp.After == "" {
			break
		}
		opts.ListCursorOptions.After = resp.After
	}
	return out, nil
}

// ListMergedPullRequests walks closed pull requests newest-first and stops
// once they fall out of the window.
func (c *GitHubClient) ListMergedPullRequests(ctx context.Context, org, repo string, since time.Time) ([]PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "closed",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: pageSize},
	}

	var out []PullRequest
	for {
		var page []*github.PullRequest
		var resp *github.Response
		err := c.call(ctx, "list pull requests", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.PullRequests.List(ctx, org, repo, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		done := false
		for _, pr := range page {
			if pr.GetUpdatedAt().Time.Before(since) {
				done = true
				break
			}
			merged := pr.GetMergedAt().Time
			if merged.IsZero() || merged.Before(since) {
				continue
			}
			out = append(out, PullRequest{
				Number:   pr.GetNumber(),
				Title:    pr.GetTitle(),
				Author:   pr.GetUser().GetLogin(),
				MergedBy: pr.GetMergedBy().GetLogin(),
				MergedAt: merged,
			})
		}
		if done || resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *GitHubClient) ListReviews(ctx context.Context, org, repo string, number int) ([]Review, error) {
	opts := &github.ListOptions{PerPage: pageSize}

	var out []Review
	for {
		var page []*github.PullRequestReview
		var resp *github.Response
		err := c.call(ctx, "list reviews", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.PullRequests.ListReviews(ctx, org, repo, number, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		for _, r := range page {
			out = append(out, Review{
				Reviewer: r.GetUser().GetLogin(),
				State:    r.GetState(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *GitHubClient) GetBranchProtection(ctx context.Context, org, repo, branch string) (*BranchProtection, error) {
	var p *github.Protection
	err := c.call(ctx, "get branch protection", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		p, resp, err = c.gh.Repositories.GetBranchProtection(ctx, org, repo, branch)
		return resp, err
	})
	if err != nil {
		return nil, err
	}

	bp := &BranchProtection{}
	if reviews := p.GetRequiredPullRequestReviews(); reviews != nil {
		bp.RequiredApprovals = reviews.RequiredApprovingReviewCount
	}
	if admins := p.GetEnforceAdmins(); admins != nil {
		bp.EnforceAdmins = admins.Enabled
	}
	return bp, nil
}
