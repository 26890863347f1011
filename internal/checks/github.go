package checks

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinmnit159/isms-backend/internal/datasource"
	"github.com/vinmnit159/isms-backend/internal/models"
	"github.com/vinmnit159/isms-backend/internal/source"
	"golang.org/x/sync/errgroup"
)

// repoFanOut bounds concurrent per-repository fetches inside one evaluator.
const repoFanOut = 4

func repoSubject(org string, r source.Repository) Subject {
	key := r.FullName
	if key == "" {
		key = org + "/" + r.Name
	}
	return Subject{
		Kind:     models.SubjectRepository,
		Key:      key,
		Name:     key,
		Private:  !r.Public(),
		Archived: r.Archived,
	}
}

func repoSubjects(org string, repos []source.Repository) []Subject {
	out := make([]Subject, 0, len(repos))
	for _, r := range repos {
		out = append(out, repoSubject(org, r))
	}
	return out
}

// eachRepo runs fn for every repository with bounded concurrency. fn writes
// its result by index so output order does not depend on scheduling.
func eachRepo(ctx context.Context, repos []source.Repository, fn func(ctx context.Context, i int, r source.Repository) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(repoFanOut)
	for i, r := range repos {
		i, r := i, r
		g.Go(func() error { return fn(ctx, i, r) })
	}
	return g.Wait()
}

// ====== VULNERABILITIES ======

func vulnerabilities(severity string) EvaluatorFn {
	return func(ctx context.Context, a *datasource.Adapter, ec EvalContext) (Verdict, error) {
		repos, err := a.Repositories(ctx)
		if err != nil {
			return Verdict{}, err
		}

		counts := make([]int, len(repos))
		err = eachRepo(ctx, repos, func(ctx context.Context, i int, r source.Repository) error {
			alerts, err := a.OpenAlerts(ctx, r.Name)
			if err != nil {
				return fmt.Errorf("alerts for %s: %w", r.Name, err)
			}
			for _, al := range alerts {
				if strings.EqualFold(al.Severity, severity) {
					counts[i]++
				}
			}
			return nil
		})
		if err != nil {
			return Verdict{}, err
		}

		v := Verdict{Evaluated: repoSubjects(ec.Organization, repos)}
		total := 0
		for i, n := range counts {
			if n == 0 {
				continue
			}
			total += n
			v.Findings = append(v.Findings, Finding{
				Subject: v.Evaluated[i].Key,
				Result:  Fail,
				Message: fmt.Sprintf("%d open %s-severity alerts", n, severity),
				Count:   n,
			})
		}

		if total == 0 {
			v.Result = Pass
			v.Summary = fmt.Sprintf("no open %s-severity alerts across %d repositories", severity, len(repos))
			return v, nil
		}
		v.Result = Fail
		v.Summary = fmt.Sprintf("%d open %s-severity alerts in %d of %d repositories",
			total, severity, len(v.Findings), len(repos))
		return v, nil
	}
}

// ====== IDENTITY ======

func identityRoster(ctx context.Context, a *datasource.Adapter, ec EvalContext) (Verdict, error) {
	members, err := a.Members(ctx)
	if err != nil {
		return Verdict{}, err
	}
	org, err := a.OrganizationInfo(ctx)
	if err != nil {
		return Verdict{}, err
	}

	subj := ec.OrganizationSubject()
	v := Verdict{Evaluated: []Subject{subj}}
	switch {
	case len(members) > 0:
		v.Result = Pass
		v.Summary = fmt.Sprintf("%d organization members visible", len(members))
	case org == nil:
		v.Result = Warning
		v.Summary = "no members visible and no organization context available"
	default:
		v.Result = Warning
		v.Summary = "organization has no visible members"
	}
	if v.Result != Pass {
		v.Findings = []Finding{{Subject: subj.Key, Result: v.Result, Message: v.Summary}}
	}
	return v, nil
}

func membersMapped(ctx context.Context, a *datasource.Adapter, ec EvalContext) (Verdict, error) {
	members, err := a.Members(ctx)
	if err != nil {
		return Verdict{}, err
	}

	subj := ec.OrganizationSubject()
	v := Verdict{Evaluated: []Subject{subj}}
	for _, m := range members {
		if _, ok := ec.identity(m.Login); !ok {
			v.Findings = append(v.Findings, Finding{
				Subject: subj.Key,
				Result:  Fail,
				Message: fmt.Sprintf("member %s is not linked to an internal user", m.Login),
			})
		}
	}

	if len(v.Findings) == 0 {
		v.Result = Pass
		v.Summary = fmt.Sprintf("all %d members are linked to internal users", len(members))
		return v, nil
	}
	v.Result = Fail
	v.Summary = fmt.Sprintf("%d of %d members are not linked to internal users", len(v.Findings), len(members))
	return v, nil
}

func deprovisioning(ctx context.Context, a *datasource.Adapter, ec EvalContext) (Verdict, error) {
	org, err := a.OrganizationInfo(ctx)
	if err != nil {
		return Verdict{}, err
	}
	subj := ec.OrganizationSubject()
	v := Verdict{Evaluated: []Subject{subj}}
	if org == nil {
		v.Result = Warning
		v.Summary = "organization context unavailable; cannot compare members with internal users"
		v.Findings = []Finding{{Subject: subj.Key, Result: Warning, Message: v.Summary}}
		return v, nil
	}

	members, err := a.Members(ctx)
	if err != nil {
		return Verdict{}, err
	}
	for _, m := range members {
		id, ok := ec.identity(m.Login)
		switch {
		case !ok:
			v.Findings = append(v.Findings, Finding{
				Subject: subj.Key,
				Result:  Fail,
				Message: fmt.Sprintf("member %s matches no internal user", m.Login),
			})
		case !id.Active:
			v.Findings = append(v.Findings, Finding{
				Subject: subj.Key,
				Result:  Fail,
				Message: fmt.Sprintf("member %s belongs to a deactivated user", m.Login),
			})
		}
	}

	if len(v.Findings) == 0 {
		v.Result = Pass
		v.Summary = fmt.Sprintf("all %d members match active internal users", len(members))
		return v, nil
	}
	v.Result = Fail
	v.Summary = fmt.Sprintf("%d stale members with access", len(v.Findings))
	return v, nil
}

func mfaEnforced(ctx context.Context, a *datasource.Adapter, ec EvalContext) (Verdict, error) {
	org, err := a.OrganizationInfo(ctx)
	if err != nil {
		return Verdict{}, err
	}

	subj := ec.OrganizationSubject()
	v := Verdict{Evaluated: []Subject{subj}}
	switch {
	case org == nil:
		v.Result = Warning
		v.Summary = "organization not visible; MFA enforcement undeterminable"
	case org.TwoFactorRequired == nil:
		v.Result = Warning
		v.Summary = "insufficient rights to read the MFA requirement"
	case !*org.TwoFactorRequired:
		v.Result = Fail
		v.Summary = "organization does not require two-factor authentication"
	default:
		v.Result = Pass
		v.Summary = "organization requires two-factor authentication"
	}
	if v.Result != Pass {
		v.Findings = []Finding{{Subject: subj.Key, Result: v.Result, Message: v.Summary}}
	}
	return v, nil
}

// ====== CHANGE MANAGEMENT ======

type changeStats struct {
	merged       int
	approved     int
	reviewed     int
	selfApproved int
}

// collectChanges reads merged changes in the window and their reviews for
// every active repository.
func collectChanges(ctx context.Context, a *datasource.Adapter) ([]source.Repository, []changeStats, error) {
	repos, err := a.ActiveRepositories(ctx)
	if err != nil {
		return nil, nil, err
	}

	stats := make([]changeStats, len(repos))
	err = eachRepo(ctx, repos, func(ctx context.Context, i int, r source.Repository) error {
		prs, err := a.MergedPullRequests(ctx, r.Name)
		if err != nil {
			return fmt.Errorf("pull requests for %s: %w", r.Name, err)
		}
		for _, pr := range prs {
			reviews, err := a.Reviews(ctx, r.Name, pr.Number)
			if err != nil {
				return fmt.Errorf("reviews for %s#%d: %w", r.Name, pr.Number, err)
			}

			var approved, reviewed, self bool
			for _, rv := range reviews {
				byAuthor := strings.EqualFold(rv.Reviewer, pr.Author)
				state := strings.ToUpper(rv.State)
				switch {
				case byAuthor && state == "APPROVED":
					self = true
				case byAuthor, state == "PENDING":
				default:
					reviewed = true
					if state == "APPROVED" {
						approved = true
					}
				}
			}

			stats[i].merged++
			if approved {
				stats[i].approved++
			}
			if reviewed {
				stats[i].reviewed++
			}
			if self {
				stats[i].selfApproved++
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return repos, stats, nil
}

func rateResult(rate, passAt, warnAt float64) Result {
	switch {
	case rate >= passAt:
		return Pass
	case rate >= warnAt:
		return Warning
	}
	return Fail
}

// changeRate builds a ratio check over merged changes. count picks the
// numerator from a repository's stats.
func changeRate(noun string, passAt, warnAt float64, count func(changeStats) int) EvaluatorFn {
	return func(ctx context.Context, a *datasource.Adapter, ec EvalContext) (Verdict, error) {
		repos, stats, err := collectChanges(ctx, a)
		if err != nil {
			return Verdict{}, err
		}

		v := Verdict{Evaluated: repoSubjects(ec.Organization, repos)}
		merged, hits := 0, 0
		for i, s := range stats {
			merged += s.merged
			hits += count(s)
			if s.merged == 0 {
				continue
			}
			rate := float64(count(s)) / float64(s.merged)
			if res := rateResult(rate, passAt, warnAt); res != Pass {
				v.Findings = append(v.Findings, Finding{
					Subject: v.Evaluated[i].Key,
					Result:  res,
					Message: fmt.Sprintf("%d of %d merged changes %s (%.1f%%)", count(s), s.merged, noun, rate*100),
					Count:   s.merged - count(s),
				})
			}
		}

		if merged == 0 {
			v.Result = Pass
			v.Summary = "no merged changes in the review window"
			return v, nil
		}
		rate := float64(hits) / float64(merged)
		v.Result = rateResult(rate, passAt, warnAt)
		v.Summary = fmt.Sprintf("%d of %d merged changes %s (%.1f%%)", hits, merged, noun, rate*100)
		return v, nil
	}
}

func authorNotReviewer(ctx context.Context, a *datasource.Adapter, ec EvalContext) (Verdict, error) {
	repos, stats, err := collectChanges(ctx, a)
	if err != nil {
		return Verdict{}, err
	}

	v := Verdict{Evaluated: repoSubjects(ec.Organization, repos)}
	total := 0
	for i, s := range stats {
		if s.selfApproved == 0 {
			continue
		}
		total += s.selfApproved
		v.Findings = append(v.Findings, Finding{
			Subject: v.Evaluated[i].Key,
			Result:  Fail,
			Message: fmt.Sprintf("%d changes approved by their own author", s.selfApproved),
			Count:   s.selfApproved,
		})
	}

	if total == 0 {
		v.Result = Pass
		v.Summary = "no self-approved changes found"
		return v, nil
	}
	v.Result = Fail
	v.Summary = fmt.Sprintf("%d self-approved changes in %d repositories", total, len(v.Findings))
	return v, nil
}

func branchProtection(ctx context.Context, a *datasource.Adapter, ec EvalContext) (Verdict, error) {
	repos, err := a.ActiveRepositories(ctx)
	if err != nil {
		return Verdict{}, err
	}
	var withBranch []source.Repository
	for _, r := range repos {
		if r.DefaultBranch != "" {
			withBranch = append(withBranch, r)
		}
	}

	protected := make([]*source.BranchProtection, len(withBranch))
	err = eachRepo(ctx, withBranch, func(ctx context.Context, i int, r source.Repository) error {
		p, err := a.BranchProtection(ctx, r.Name, r.DefaultBranch)
		if err != nil {
			return fmt.Errorf("branch protection for %s: %w", r.Name, err)
		}
		protected[i] = p
		return nil
	})
	if err != nil {
		return Verdict{}, err
	}

	v := Verdict{Evaluated: repoSubjects(ec.Organization, withBranch)}
	for i, p := range protected {
		switch {
		case p == nil:
			v.Findings = append(v.Findings, Finding{
				Subject: v.Evaluated[i].Key,
				Result:  Fail,
				Message: fmt.Sprintf("default branch %s is not protected", withBranch[i].DefaultBranch),
			})
		case p.RequiredApprovals < 1:
			v.Findings = append(v.Findings, Finding{
				Subject: v.Evaluated[i].Key,
				Result:  Fail,
				Message: fmt.Sprintf("default branch %s does not require an approving review", withBranch[i].DefaultBranch),
			})
		}
	}

	if len(v.Findings) == 0 {
		v.Result = Pass
		v.Summary = fmt.Sprintf("default branches of %d repositories require review", len(withBranch))
		return v, nil
	}
	v.Result = Fail
	v.Summary = fmt.Sprintf("%d of %d default branches lack review protection", len(v.Findings), len(withBranch))
	return v, nil
}

// ====== REPOSITORY INVENTORY ======

func versionControl(ctx context.Context, a *datasource.Adapter, ec EvalContext) (Verdict, error) {
	repos, err := a.ActiveRepositories(ctx)
	if err != nil {
		return Verdict{}, err
	}

	subj := ec.OrganizationSubject()
	v := Verdict{Evaluated: []Subject{subj}}
	if len(repos) == 0 {
		v.Result = Fail
		v.Summary = "no active repositories under version control"
		v.Findings = []Finding{{Subject: subj.Key, Result: Fail, Message: v.Summary}}
		return v, nil
	}
	v.Result = Pass
	v.Summary = fmt.Sprintf("%d active repositories under version control", len(repos))
	return v, nil
}

func repositoryPrivacy(ctx context.Context, a *datasource.Adapter, ec EvalContext) (Verdict, error) {
	repos, err := a.Repositories(ctx)
	if err != nil {
		return Verdict{}, err
	}

	v := Verdict{Evaluated: repoSubjects(ec.Organization, repos)}
	for i, r := range repos {
		if r.Public() {
			v.Findings = append(v.Findings, Finding{
				Subject: v.Evaluated[i].Key,
				Result:  Fail,
				Message: "repository is publicly visible",
			})
		}
	}

	if len(v.Findings) == 0 {
		v.Result = Pass
		v.Summary = fmt.Sprintf("all %d repositories are private", len(repos))
		return v, nil
	}
	v.Result = Fail
	v.Summary = fmt.Sprintf("%d of %d repositories are public", len(v.Findings), len(repos))
	return v, nil
}
