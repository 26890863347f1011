package evidence

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vinmnit159/isms-backend/internal/checks"
	"github.com/vinmnit159/isms-backend/internal/models"
	"github.com/vinmnit159/isms-backend/internal/testutil"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func privacyVerdict(public ...string) checks.Verdict {
	v := checks.Verdict{
		CheckName: checks.RepositoryPrivacy,
		Scope:     "acme",
		Result:    checks.Pass,
		Evaluated: []checks.Subject{
			{Kind: models.SubjectRepository, Key: "acme/api"},
			{Kind: models.SubjectRepository, Key: "acme/web"},
		},
	}
	for _, p := range public {
		v.Result = checks.Fail
		v.Findings = append(v.Findings, checks.Finding{Subject: p, Result: checks.Fail, Message: "repository is publicly visible"})
	}
	return v
}

func setup(t *testing.T) (*gorm.DB, *Recorder, models.Organization, models.Control) {
	db := testutil.NewDB(t)
	org := testutil.Organization(t, db, "acme")
	ctrl := models.Control{Reference: "A.8.4", Framework: "ISO/IEC 27001:2022", Title: "Access to source code"}
	require.NoError(t, db.Create(&ctrl).Error)
	return db, NewRecorder(db, zaptest.NewLogger(t)), org, ctrl
}

func count(t *testing.T, db *gorm.DB) int64 {
	var n int64
	require.NoError(t, db.Model(&models.Evidence{}).Count(&n).Error)
	return n
}

func TestRecordIsIdempotentForUnchangedFacts(t *testing.T) {
	db, rec, org, ctrl := setup(t)
	ctx := context.Background()

	created, err := rec.Record(ctx, Entry{OrganizationID: org.ID, Control: ctrl, Verdict: privacyVerdict(), RunID: "run-1"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = rec.Record(ctx, Entry{OrganizationID: org.ID, Control: ctrl, Verdict: privacyVerdict(), RunID: "run-2"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.EqualValues(t, 1, count(t, db))

	created, err = rec.Record(ctx, Entry{OrganizationID: org.ID, Control: ctrl, Verdict: privacyVerdict("acme/web"), RunID: "run-3"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.EqualValues(t, 2, count(t, db))

	var audits int64
	require.NoError(t, db.Model(&models.AuditLog{}).Where("entity = ?", "evidence").Count(&audits).Error)
	assert.EqualValues(t, 2, audits)
}

func TestRecordConcurrentDuplicates(t *testing.T) {
	db, rec, org, ctrl := setup(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := rec.Record(context.Background(), Entry{OrganizationID: org.ID, Control: ctrl, Verdict: privacyVerdict("acme/api")})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.EqualValues(t, 1, count(t, db))
}

func TestRecordSkipsErroredVerdicts(t *testing.T) {
	db, rec, org, ctrl := setup(t)

	v := privacyVerdict()
	v.Errored = true
	_, err := rec.Record(context.Background(), Entry{OrganizationID: org.ID, Control: ctrl, Verdict: v})
	assert.Error(t, err)
	assert.EqualValues(t, 0, count(t, db))
}

func TestContentHashIgnoresRunMetadata(t *testing.T) {
	a, _, err := ContentHash(privacyVerdict("acme/web"))
	require.NoError(t, err)
	b, _, err := ContentHash(privacyVerdict("acme/web"))
	require.NoError(t, err)
	c, _, err := ContentHash(privacyVerdict())
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestListFiltersByControl(t *testing.T) {
	db, rec, org, ctrl := setup(t)
	other := models.Control{Reference: "A.5.10", Framework: "ISO/IEC 27001:2022", Title: "Acceptable use of information"}
	require.NoError(t, db.Create(&other).Error)

	ctx := context.Background()
	_, err := rec.Record(ctx, Entry{OrganizationID: org.ID, Control: ctrl, Verdict: privacyVerdict()})
	require.NoError(t, err)
	_, err = rec.Record(ctx, Entry{OrganizationID: org.ID, Control: other, Verdict: privacyVerdict()})
	require.NoError(t, err)

	all, err := List(ctx, db, org.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := List(ctx, db, org.ID, "A.5.10")
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "A.5.10", only[0].Control.Reference)
}
