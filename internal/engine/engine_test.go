package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vinmnit159/isms-backend/internal/checks"
	"github.com/vinmnit159/isms-backend/internal/controls"
	"github.com/vinmnit159/isms-backend/internal/models"
	"github.com/vinmnit159/isms-backend/internal/risks"
	"github.com/vinmnit159/isms-backend/internal/source"
	"github.com/vinmnit159/isms-backend/internal/source/sourcetest"
	"github.com/vinmnit159/isms-backend/internal/testutil"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func boolPtr(b bool) *bool { return &b }

func newEngine(t *testing.T, client source.Client) (*Engine, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	require.NoError(t, controls.SeedCatalog(db))
	return New(db, client, zaptest.NewLogger(t), WithConcurrency(4)), db
}

func countRows(t *testing.T, db *gorm.DB, model any, where ...any) int64 {
	t.Helper()
	q := db.Model(model)
	if len(where) > 0 {
		q = q.Where(where[0], where[1:]...)
	}
	var n int64
	require.NoError(t, q.Count(&n).Error)
	return n
}

// ====== DEVICE RUNS ======

func TestDevicePostureScenario(t *testing.T) {
	e, db := newEngine(t, nil)
	org := testutil.Organization(t, db, "acme")
	dev := models.Device{OrganizationID: org.ID, Hostname: "laptop-1", TokenHash: "x"}
	require.NoError(t, db.Create(&dev).Error)

	report := source.DeviceReport{
		DiskEncryptionEnabled:  false,
		ScreenLockEnabled:      true,
		FirewallEnabled:        true,
		SystemIntegrityEnabled: true,
		AutoUpdateEnabled:      true,
		OSVersion:              "14.4",
	}
	rep, err := e.RunDevice(context.Background(), dev.ID, report)
	require.NoError(t, err)

	assert.Equal(t, models.DeviceNonCompliant, rep.Compliance)
	assert.Equal(t, models.RunSucceeded, rep.Status)
	assert.Len(t, rep.Verdicts, 5)
	assert.Equal(t, 10, rep.EvidenceCreated)

	var open []models.Risk
	require.NoError(t, db.Where("status = ?", models.RiskOpen).Find(&open).Error)
	require.Len(t, open, 1)
	assert.Equal(t, string(checks.DeviceDiskEncryption), open[0].CheckName)
	assert.EqualValues(t, 1, countRows(t, db, &models.Risk{}))

	var stored models.Device
	require.NoError(t, db.First(&stored, dev.ID).Error)
	assert.Equal(t, models.DeviceNonCompliant, stored.Compliance)
	assert.Equal(t, "14.4", stored.OSVersion)
	assert.NotNil(t, stored.LastCheckinAt)

	assert.Equal(t, models.ControlNotImplemented, rep.Controls["A.8.24"])
	assert.Equal(t, models.ControlPartiallyImplemented, rep.Controls["A.8.1"])
	assert.Equal(t, models.ControlImplemented, rep.Controls["A.7.7"])

	// unchanged posture: nothing new
	rep, err = e.RunDevice(context.Background(), dev.ID, report)
	require.NoError(t, err)
	assert.Zero(t, rep.EvidenceCreated)
	assert.Empty(t, rep.Transitions)
	assert.EqualValues(t, 1, countRows(t, db, &models.Risk{}))

	report.DiskEncryptionEnabled = true
	rep, err = e.RunDevice(context.Background(), dev.ID, report)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceCompliant, rep.Compliance)
	assert.Equal(t, 1, rep.Transitions[risks.Mitigated])
	assert.Equal(t, models.ControlImplemented, rep.Controls["A.8.1"])
	assert.EqualValues(t, 3, countRows(t, db, &models.ScanRun{}))
}

// ====== ORGANIZATION RUNS ======

func acmeClient() *sourcetest.Client {
	c := sourcetest.New()
	c.Repos = []source.Repository{
		{Name: "api", FullName: "acme/api", DefaultBranch: "main", Private: true},
		{Name: "web", FullName: "acme/web", DefaultBranch: "main", Private: false},
	}
	c.Members = []source.Member{{Login: "ann"}}
	c.Org = &source.Organization{Login: "acme", TwoFactorRequired: boolPtr(true)}
	c.Alerts["api"] = []source.Alert{{Number: 1, Severity: "high"}, {Number: 2, Severity: "high"}}
	c.Protection["api"] = &source.BranchProtection{RequiredApprovals: 1}
	c.Protection["web"] = &source.BranchProtection{RequiredApprovals: 2}
	return c
}

func seedOrg(t *testing.T, db *gorm.DB) models.Organization {
	t.Helper()
	org := testutil.Organization(t, db, "acme")
	ann := testutil.User(t, db, org.ID, "ann", models.RoleSecurityOfficer)
	require.NoError(t, db.Create(&models.IdentityLink{
		OrganizationID: org.ID,
		Provider:       models.ProviderGitHub,
		ExternalLogin:  "Ann",
		UserID:         ann.ID,
	}).Error)
	return org
}

func TestOrganizationRunIsIdempotent(t *testing.T) {
	client := acmeClient()
	e, db := newEngine(t, client)
	org := seedOrg(t, db)
	ctx := context.Background()

	first, err := e.RunOrganization(ctx, org.ID, TriggerManual, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, first.Status)
	assert.Equal(t, 2, first.Transitions[risks.Created])
	assert.Positive(t, first.EvidenceCreated)
	for _, v := range first.Verdicts {
		assert.False(t, v.Errored, v.Check)
	}

	var titles []string
	require.NoError(t, db.Model(&models.Risk{}).Order("title").Pluck("title", &titles).Error)
	assert.Equal(t, []string{
		"github_repository_privacy: acme/web",
		"github_vulnerabilities_high: acme/api",
	}, titles)

	evidenceRows := countRows(t, db, &models.Evidence{})
	second, err := e.RunOrganization(ctx, org.ID, TriggerScheduled, nil)
	require.NoError(t, err)
	assert.Zero(t, second.EvidenceCreated)
	assert.Empty(t, second.Transitions)
	assert.Equal(t, evidenceRows, countRows(t, db, &models.Evidence{}))
	assert.EqualValues(t, 2, countRows(t, db, &models.Risk{}))

	// one fetch per key per run
	assert.Equal(t, 2, client.Calls("repos"))
	assert.Equal(t, 2, client.Calls("alerts:api"))
	assert.Equal(t, first.Fetches, second.Fetches)

	assert.EqualValues(t, 2, countRows(t, db, &models.ScanRun{}, "status = ?", models.RunSucceeded))
	assert.Equal(t, models.ControlPartiallyImplemented, second.Controls["A.5.10"])
	assert.Equal(t, models.ControlImplemented, second.Controls["A.8.5"])

	views, err := e.Tracking().List(ctx, org.ID)
	require.NoError(t, err)
	assert.Len(t, views, len(e.Registry().Definitions(checks.ScopeRepositories)))
	for _, v := range views {
		want := models.StatusOK
		if v.CheckName == string(checks.RepositoryPrivacy) || v.CheckName == string(checks.VulnerabilitiesHigh) {
			want = models.StatusNeedsRemediation
		}
		assert.Equal(t, want, v.Status, v.CheckName)
	}
}

func TestOrganizationRunMitigatesAndReopens(t *testing.T) {
	client := acmeClient()
	e, db := newEngine(t, client)
	org := seedOrg(t, db)
	ctx := context.Background()

	_, err := e.RunOrganization(ctx, org.ID, TriggerManual, nil)
	require.NoError(t, err)

	client.Repos[1].Private = true
	rep, err := e.RunOrganization(ctx, org.ID, TriggerManual, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Transitions[risks.Mitigated])
	assert.Equal(t, models.ControlImplemented, rep.Controls["A.5.10"])

	client.Repos[1].Private = false
	rep, err = e.RunOrganization(ctx, org.ID, TriggerManual, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Transitions[risks.Reopened])
	assert.EqualValues(t, 2, countRows(t, db, &models.Risk{}))
	assert.Equal(t, models.ControlPartiallyImplemented, rep.Controls["A.5.10"])
}

func TestFailingFetchIsolatedToItsChecks(t *testing.T) {
	client := acmeClient()
	client.Errors["members"] = &source.TransientError{Op: "list members", Err: errors.New("502")}
	e, db := newEngine(t, client)
	org := seedOrg(t, db)

	rep, err := e.RunOrganization(context.Background(), org.ID, TriggerManual, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, rep.Status)

	errored := map[checks.Name]bool{}
	for _, v := range rep.Verdicts {
		if v.Errored {
			errored[v.Check] = true
			assert.Equal(t, checks.Fail, v.Result)
		}
	}
	assert.Equal(t, map[checks.Name]bool{
		checks.IdentityRoster: true,
		checks.MembersMapped:  true,
		checks.Deprovisioning: true,
	}, errored)
	assert.Equal(t, 1, client.Calls("members"))

	assert.Zero(t, countRows(t, db, &models.Evidence{}, "check_name = ?", string(checks.MembersMapped)))
	for name := range errored {
		assert.Zero(t, countRows(t, db, &models.Risk{}, "check_name = ?", string(name)), name)
	}
	assert.Positive(t, countRows(t, db, &models.Evidence{}, "check_name = ?", string(checks.RepositoryPrivacy)))
	assert.Equal(t, models.ControlNotImplemented, rep.Controls["A.5.16"])
}

func TestCancelledRunLeavesNoPartialState(t *testing.T) {
	client := acmeClient()
	client.Gate = make(chan struct{})
	e, db := newEngine(t, client)
	org := seedOrg(t, db)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.RunOrganization(ctx, org.ID, TriggerManual, nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return client.TotalCalls() > 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	assert.Zero(t, countRows(t, db, &models.Risk{}))
	assert.Zero(t, countRows(t, db, &models.Evidence{}))
	assert.Zero(t, countRows(t, db, &models.CheckResult{}))
	assert.EqualValues(t, 1, countRows(t, db, &models.ScanRun{}, "status = ?", models.RunFailed))
}

func TestConcurrentRunsDoNotDuplicate(t *testing.T) {
	client := acmeClient()
	e, db := newEngine(t, client)
	org := seedOrg(t, db)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.RunOrganization(context.Background(), org.ID, TriggerScheduled, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 2, countRows(t, db, &models.Risk{}))
	assert.EqualValues(t, len(e.Registry().Definitions(checks.ScopeRepositories)),
		countRows(t, db, &models.TrackedItem{}))
	assert.EqualValues(t, 3, client.Calls("repos"), "each run fetches through its own cache")

	single, db2 := newEngine(t, acmeClient())
	org2 := seedOrg(t, db2)
	_, err := single.RunOrganization(context.Background(), org2.ID, TriggerManual, nil)
	require.NoError(t, err)
	assert.Equal(t, countRows(t, db2, &models.Evidence{}), countRows(t, db, &models.Evidence{}))
}

func TestRunRequiresConnection(t *testing.T) {
	e, db := newEngine(t, sourcetest.New())
	org := models.Organization{Name: "Unconnected"}
	require.NoError(t, db.Create(&org).Error)

	_, err := e.RunOrganization(context.Background(), org.ID, TriggerManual, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Zero(t, countRows(t, db, &models.ScanRun{}))

	noClient, db2 := newEngine(t, nil)
	acme := testutil.Organization(t, db2, "acme")
	_, err = noClient.RunOrganization(context.Background(), acme.ID, TriggerManual, nil)
	assert.ErrorIs(t, err, ErrNoClient)
}

// ====== BACKGROUND ======

func TestBackgroundErrorsAreObservedNotPropagated(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	core, logs := observer.New(zap.InfoLevel)
	b := NewBackground(zap.New(core))

	started := b.Go("failing", func(context.Context) error { return errors.New("boom") })
	assert.True(t, started)
	b.Go("ok", func(context.Context) error { return nil })
	b.Go("panicking", func(context.Context) error { panic("nil map") })

	b.Close(context.Background())

	failures := logs.FilterMessage("background task failed").All()
	require.Len(t, failures, 2)
	assert.False(t, b.Go("late", func(context.Context) error { return nil }))
}

func TestBackgroundCloseCancelsOnDeadline(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b := NewBackground(zaptest.NewLogger(t))
	b.Go("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	b.Close(ctx)
}
