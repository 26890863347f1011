// Package sourcetest provides an in-memory source.Client for tests.
package sourcetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vinmnit159/isms-backend/internal/source"
)

// Client serves canned data and counts calls per method+argument key.
type Client struct {
	mu sync.Mutex

	Repos      []source.Repository
	Members    []source.Member
	Org        *source.Organization
	Alerts     map[string][]source.Alert       // repo -> alerts
	Pulls      map[string][]source.PullRequest // repo -> merged pulls
	ReviewsFor map[string][]source.Review      // "repo#number" -> reviews
	Protection map[string]*source.BranchProtection

	// Errors forces an error for a call key, e.g. "members" or "alerts:api".
	Errors map[string]error
	// Gate, when set, blocks every call until it is closed.
	Gate chan struct{}

	calls map[string]int
}

func New() *Client {
	return &Client{
		Alerts:     map[string][]source.Alert{},
		Pulls:      map[string][]source.PullRequest{},
		ReviewsFor: map[string][]source.Review{},
		Protection: map[string]*source.BranchProtection{},
		Errors:     map[string]error{},
		calls:      map[string]int{},
	}
}

// Calls returns how many times key was requested.
func (c *Client) Calls(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

// TotalCalls returns the number of calls across all keys.
func (c *Client) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func (c *Client) enter(ctx context.Context, key string) error {
	c.mu.Lock()
	c.calls[key]++
	gate := c.Gate
	err := c.Errors[key]
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *Client) ListRepositories(ctx context.Context, org string) ([]source.Repository, error) {
	if err := c.enter(ctx, "repos"); err != nil {
		return nil, err
	}
	return c.Repos, nil
}

func (c *Client) ListMembers(ctx context.Context, org string) ([]source.Member, error) {
	if err := c.enter(ctx, "members"); err != nil {
		return nil, err
	}
	return c.Members, nil
}

func (c *Client) GetOrganization(ctx context.Context, org string) (*source.Organization, error) {
	if err := c.enter(ctx, "org"); err != nil {
		return nil, err
	}
	if c.Org == nil {
		return nil, fmt.Errorf("get organization: %w", source.ErrNoData)
	}
	return c.Org, nil
}

func (c *Client) ListOpenAlerts(ctx context.Context, org, repo string) ([]source.Alert, error) {
	if err := c.enter(ctx, "alerts:"+repo); err != nil {
		return nil, err
	}
	return c.Alerts[repo], nil
}

func (c *Client) ListMergedPullRequests(ctx context.Context, org, repo string, since time.Time) ([]source.PullRequest, error) {
	if err := c.enter(ctx, "pulls:"+repo); err != nil {
		return nil, err
	}
	return c.Pulls[repo], nil
}

func (c *Client) ListReviews(ctx context.Context, org, repo string, number int) ([]source.Review, error) {
	key := fmt.Sprintf("%s#%d", repo, number)
	if err := c.enter(ctx, "reviews:"+key); err != nil {
		return nil, err
	}
	return c.ReviewsFor[key], nil
}

func (c *Client) GetBranchProtection(ctx context.Context, org, repo, branch string) (*source.BranchProtection, error) {
	if err := c.enter(ctx, "protection:"+repo); err != nil {
		return nil, err
	}
	p, ok := c.Protection[repo]
	if !ok {
		return nil, fmt.Errorf("get branch protection: %w", source.ErrNoData)
	}
	return p, nil
}
