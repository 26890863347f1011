package controls

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vinmnit159/isms-backend/internal/checks"
	"github.com/vinmnit159/isms-backend/internal/lockset"
	"github.com/vinmnit159/isms-backend/internal/models"
	"github.com/vinmnit159/isms-backend/internal/testutil"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func TestClassifyBoundaries(t *testing.T) {
	tests := []struct {
		pass, total int
		want        models.ControlState
	}{
		{0, 0, models.ControlNotImplemented},
		{4, 4, models.ControlImplemented},
		{3, 4, models.ControlPartiallyImplemented},
		{1, 2, models.ControlPartiallyImplemented},
		{5, 10, models.ControlPartiallyImplemented},
		{4, 10, models.ControlNotImplemented},
		{1, 3, models.ControlNotImplemented},
		{0, 5, models.ControlNotImplemented},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.pass, tt.total), "%d/%d", tt.pass, tt.total)
	}
}

type harness struct {
	db   *gorm.DB
	agg  *Aggregator
	org  models.Organization
	subs map[string]uint
}

func newHarness(t *testing.T, repos ...string) harness {
	db := testutil.NewDB(t)
	require.NoError(t, SeedCatalog(db))
	org := testutil.Organization(t, db, "acme")

	subs := map[string]uint{}
	add := func(kind models.SubjectKind, key string) {
		s := models.Subject{OrganizationID: org.ID, Kind: kind, ExternalID: key, Name: key}
		require.NoError(t, db.Create(&s).Error)
		subs[key] = s.ID
	}
	add(models.SubjectOrganization, "acme")
	for _, r := range repos {
		add(models.SubjectRepository, r)
	}
	return harness{
		db:   db,
		agg:  NewAggregator(db, checks.Default(), lockset.New(), zaptest.NewLogger(t)),
		org:  org,
		subs: subs,
	}
}

func repoVerdict(name checks.Name, repos []string, failing ...string) checks.Verdict {
	v := checks.Verdict{CheckName: name, Scope: "acme"}
	for _, r := range repos {
		v.Evaluated = append(v.Evaluated, checks.Subject{Kind: models.SubjectRepository, Key: r, Name: r})
	}
	for _, f := range failing {
		v.Findings = append(v.Findings, checks.Finding{Subject: f, Result: checks.Fail})
	}
	return v
}

func orgVerdict(name checks.Name, r checks.Result) checks.Verdict {
	v := checks.Verdict{
		CheckName: name,
		Scope:     "acme",
		Result:    r,
		Evaluated: []checks.Subject{{Kind: models.SubjectOrganization, Key: "acme", Name: "acme"}},
	}
	if r != checks.Pass {
		v.Findings = []checks.Finding{{Subject: "acme", Result: r}}
	}
	return v
}

func (h harness) record(t *testing.T, v checks.Verdict) {
	t.Helper()
	require.NoError(t, h.agg.RecordResults(context.Background(), h.org.ID, v, h.subs, "run"))
}

func (h harness) aggregate(t *testing.T, ref string) models.ControlStatus {
	t.Helper()
	st, err := h.agg.Aggregate(context.Background(), h.org.ID, ref, "run")
	require.NoError(t, err)
	return st
}

func TestAggregateSumsAcrossChecks(t *testing.T) {
	repos := []string{"acme/a", "acme/b", "acme/c"}
	h := newHarness(t, repos...)

	// A.8.4 <- version control (org), branch protection (repos), privacy (repos)
	h.record(t, orgVerdict(checks.VersionControl, checks.Pass))
	h.record(t, repoVerdict(checks.BranchProtection, repos))
	h.record(t, repoVerdict(checks.RepositoryPrivacy, repos, "acme/b"))

	st := h.aggregate(t, "A.8.4")
	assert.Equal(t, 6, st.PassCount)
	assert.Equal(t, 7, st.TotalCount)
	assert.Equal(t, models.ControlPartiallyImplemented, st.Status)

	// A.5.10 only sees the privacy check: 2 of 3
	assert.Equal(t, models.ControlPartiallyImplemented, h.aggregate(t, "A.5.10").Status)
}

func TestAggregateRecomputesAndRegresses(t *testing.T) {
	repos := []string{"acme/a", "acme/b"}
	h := newHarness(t, repos...)

	h.record(t, repoVerdict(checks.RepositoryPrivacy, repos))
	assert.Equal(t, models.ControlImplemented, h.aggregate(t, "A.5.10").Status)

	h.record(t, repoVerdict(checks.RepositoryPrivacy, repos, "acme/a"))
	st := h.aggregate(t, "A.5.10")
	assert.Equal(t, models.ControlPartiallyImplemented, st.Status)
	assert.Equal(t, 1, st.PassCount)
	assert.Equal(t, 2, st.TotalCount)

	h.record(t, repoVerdict(checks.RepositoryPrivacy, repos, "acme/a", "acme/b"))
	assert.Equal(t, models.ControlNotImplemented, h.aggregate(t, "A.5.10").Status)

	var rows int64
	require.NoError(t, h.db.Model(&models.ControlStatus{}).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)

	var changes int64
	require.NoError(t, h.db.Model(&models.AuditLog{}).Where("entity = ?", "control").Count(&changes).Error)
	assert.EqualValues(t, 3, changes)
}

func TestWarningsAreNotCounted(t *testing.T) {
	h := newHarness(t)

	h.record(t, orgVerdict(checks.MFAEnforced, checks.Warning))
	st := h.aggregate(t, "A.8.5")
	assert.Equal(t, 0, st.TotalCount)
	assert.Equal(t, models.ControlNotImplemented, st.Status)

	h.record(t, orgVerdict(checks.MFAEnforced, checks.Pass))
	assert.Equal(t, models.ControlImplemented, h.aggregate(t, "A.8.5").Status)

	res, ok, err := h.agg.CheckResult(context.Background(), h.org.ID, checks.MFAEnforced)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, checks.Pass, res)
}

func TestRecordResultsReplacesScope(t *testing.T) {
	h := newHarness(t, "acme/a", "acme/b")

	h.record(t, repoVerdict(checks.RepositoryPrivacy, []string{"acme/a", "acme/b"}))
	h.record(t, repoVerdict(checks.RepositoryPrivacy, []string{"acme/a"}, "acme/a"))

	var rows []models.CheckResult
	require.NoError(t, h.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "Fail", rows[0].Result)

	res, ok, err := h.agg.CheckResult(context.Background(), h.org.ID, checks.RepositoryPrivacy)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, checks.Fail, res)

	_, ok, err = h.agg.CheckResult(context.Background(), h.org.ID, checks.BranchProtection)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalogCoversRegistry(t *testing.T) {
	known := map[string]bool{}
	for _, c := range Catalog {
		known[c.Reference] = true
	}
	for _, ref := range checks.Default().ControlRefs() {
		assert.True(t, known[ref], "control %s missing from catalog", ref)
	}

	db := testutil.NewDB(t)
	require.NoError(t, SeedCatalog(db))
	require.NoError(t, SeedCatalog(db))
	var n int64
	require.NoError(t, db.Model(&models.Control{}).Count(&n).Error)
	assert.EqualValues(t, len(Catalog), n)
}
