package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vinmnit159/isms-backend/internal/config"
	"github.com/vinmnit159/isms-backend/internal/controls"
	"github.com/vinmnit159/isms-backend/internal/database"
	"github.com/vinmnit159/isms-backend/internal/engine"
	"github.com/vinmnit159/isms-backend/internal/models"
	"github.com/vinmnit159/isms-backend/internal/source/sourcetest"
	"github.com/vinmnit159/isms-backend/internal/testutil"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const password = "correct-horse"

type fixture struct {
	t      *testing.T
	router *gin.Engine
	db     *gorm.DB
	org    models.Organization
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	require.NoError(t, controls.SeedCatalog(db))
	database.DB = db

	log := zaptest.NewLogger(t)
	bg := engine.NewBackground(log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		bg.Close(ctx)
	})

	cfg := &config.Config{SessionSecret: "router-test-session-secret-0123456789"}
	r := NewRouter(cfg, Deps{
		Engine:     engine.New(db, sourcetest.New(), log),
		Background: bg,
		Log:        log,
	})

	org := models.Organization{Name: "Beta"}
	require.NoError(t, db.Create(&org).Error)
	return &fixture{t: t, router: r, db: db, org: org}
}

func (f *fixture) user(orgID uint, username string, role models.UserRole) models.User {
	f.t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(f.t, err)
	u := models.User{OrganizationID: orgID, Username: username, PasswordHash: string(hash), Role: role, Active: true}
	require.NoError(f.t, f.db.Create(&u).Error)
	return u
}

func (f *fixture) do(method, path string, body any, header http.Header, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(f.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) login(username string) []*http.Cookie {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/login", gin.H{"username": username, "password": password}, nil)
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())
	cookies := rec.Result().Cookies()
	require.NotEmpty(f.t, cookies)
	return cookies
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (f *fixture) count(model any) int64 {
	f.t.Helper()
	var n int64
	require.NoError(f.t, f.db.Model(model).Count(&n).Error)
	return n
}

// enroll registers a device through the API and returns its id and token.
func (f *fixture) enroll(cookies []*http.Cookie) (uint, string) {
	f.t.Helper()
	rec := f.do(http.MethodPost, fmt.Sprintf("/api/organizations/%d/devices", f.org.ID),
		gin.H{"hostname": "laptop-1"}, nil, cookies...)
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())

	var out struct {
		Device struct {
			ID uint `json:"id"`
		} `json:"device"`
		Token string `json:"token"`
	}
	decode(f.t, rec, &out)
	require.NotEmpty(f.t, out.Token)
	return out.Device.ID, out.Token
}

func deviceHeader(id uint, token string) http.Header {
	h := http.Header{}
	h.Set("X-Device-ID", fmt.Sprint(id))
	h.Set("Authorization", "Bearer "+token)
	return h
}

func posture(disk bool) gin.H {
	return gin.H{
		"diskEncryptionEnabled":  disk,
		"screenLockEnabled":      true,
		"firewallEnabled":        true,
		"systemIntegrityEnabled": true,
		"autoUpdateEnabled":      true,
		"osVersion":              "14.4",
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	f.user(f.org.ID, "officer", models.RoleSecurityOfficer)

	rec := f.do(http.MethodGet, "/api/organizations", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/login", gin.H{"username": "officer", "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/login", gin.H{"username": "officer"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cookies := f.login("officer")
	rec = f.do(http.MethodGet, "/api/organizations", nil, nil, cookies...)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Organizations []struct {
			ID   uint   `json:"id"`
			Name string `json:"name"`
		} `json:"organizations"`
	}
	decode(t, rec, &out)
	require.Len(t, out.Organizations, 1)
	assert.Equal(t, "Beta", out.Organizations[0].Name)
}

func TestDeactivatedUserIsSignedOut(t *testing.T) {
	f := newFixture(t)
	u := f.user(f.org.ID, "eng", models.RoleEngineer)
	cookies := f.login("eng")

	require.NoError(t, f.db.Model(&u).Update("active", false).Error)

	rec := f.do(http.MethodGet, "/api/organizations", nil, nil, cookies...)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOrganizationIsolation(t *testing.T) {
	f := newFixture(t)
	other := models.Organization{Name: "Other"}
	require.NoError(t, f.db.Create(&other).Error)
	f.user(other.ID, "outsider", models.RoleSecurityOfficer)
	cookies := f.login("outsider")

	for _, path := range []string{"risks", "evidence", "controls", "tracked-items", "runs"} {
		rec := f.do(http.MethodGet, fmt.Sprintf("/api/organizations/%d/%s", f.org.ID, path), nil, nil, cookies...)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}
}

func TestAgentCheckin(t *testing.T) {
	f := newFixture(t)
	f.user(f.org.ID, "officer", models.RoleSecurityOfficer)
	cookies := f.login("officer")
	id, token := f.enroll(cookies)

	t.Run("bad credential", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/agent/checkin", posture(true), deviceHeader(id, "nope"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing posture flag writes nothing", func(t *testing.T) {
		body := posture(true)
		delete(body, "firewallEnabled")
		rec := f.do(http.MethodPost, "/api/agent/checkin", body, deviceHeader(id, token))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = f.do(http.MethodPost, "/api/agent/checkin", `{"diskEncryptionEnabled":`, deviceHeader(id, token))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		assert.Zero(t, f.count(&models.ScanRun{}))
		assert.Zero(t, f.count(&models.Evidence{}))
	})

	t.Run("accepted", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/agent/checkin", posture(false), deviceHeader(id, token))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var out struct {
			Status     string `json:"status"`
			RunID      string `json:"run_id"`
			Compliance string `json:"compliance"`
		}
		decode(t, rec, &out)
		assert.Equal(t, "accepted", out.Status)
		assert.NotEmpty(t, out.RunID)
		assert.Equal(t, string(models.DeviceNonCompliant), out.Compliance)
		assert.EqualValues(t, 1, f.count(&models.Risk{}))
	})
}

func TestRiskNarrativeEdit(t *testing.T) {
	f := newFixture(t)
	f.user(f.org.ID, "officer", models.RoleSecurityOfficer)
	f.user(f.org.ID, "viewer", models.RoleViewer)
	cookies := f.login("officer")
	id, token := f.enroll(cookies)

	rec := f.do(http.MethodPost, "/api/agent/checkin", posture(false), deviceHeader(id, token))
	require.Equal(t, http.StatusOK, rec.Code)

	var risk models.Risk
	require.NoError(t, f.db.First(&risk).Error)
	path := fmt.Sprintf("/api/risks/%d", risk.ID)

	rec = f.do(http.MethodPatch, path, gin.H{"status": "MITIGATED"}, nil, cookies...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPatch, path, gin.H{"treatment": "Enable FileVault via MDM."}, nil, f.login("viewer")...)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPatch, path, gin.H{"treatment": "Enable FileVault via MDM."}, nil, cookies...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var stored models.Risk
	require.NoError(t, f.db.First(&stored, risk.ID).Error)
	assert.Equal(t, "Enable FileVault via MDM.", stored.Treatment)
	assert.Equal(t, models.RiskOpen, stored.Status)
	assert.Equal(t, risk.Score, stored.Score)

	rec = f.do(http.MethodGet, "/api/audit?entity=risk", nil, nil, cookies...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Action":"update"`)
}

func TestScanRequiresConnection(t *testing.T) {
	f := newFixture(t)
	f.user(f.org.ID, "eng", models.RoleEngineer)
	f.user(f.org.ID, "viewer", models.RoleViewer)

	path := fmt.Sprintf("/api/organizations/%d/scans", f.org.ID)
	rec := f.do(http.MethodPost, path, nil, nil, f.login("viewer")...)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, path, nil, nil, f.login("eng")...)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, f.count(&models.ScanRun{}))
}

func TestConnectGitHubStartsRun(t *testing.T) {
	f := newFixture(t)
	f.user(f.org.ID, "officer", models.RoleSecurityOfficer)
	cookies := f.login("officer")

	rec := f.do(http.MethodPost, fmt.Sprintf("/api/organizations/%d/github", f.org.ID),
		gin.H{"login": "beta-inc"}, nil, cookies...)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var org models.Organization
	require.NoError(t, f.db.First(&org, f.org.ID).Error)
	assert.Equal(t, "beta-inc", org.GitHubLogin)
	require.NotNil(t, org.ConnectedByID)

	assert.Eventually(t, func() bool {
		var run models.ScanRun
		err := f.db.Where("organization_id = ? AND status <> ?", f.org.ID, models.RunRunning).First(&run).Error
		return err == nil && run.Trigger == engine.TriggerConnection
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTrackedItemLifecycle(t *testing.T) {
	f := newFixture(t)
	f.user(f.org.ID, "officer", models.RoleSecurityOfficer)
	cookies := f.login("officer")

	rec := f.do(http.MethodPost, fmt.Sprintf("/api/organizations/%d/tracked-items", f.org.ID),
		gin.H{"title": "Annual access review", "due_date": "2000-01-01"}, nil, cookies...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var item models.TrackedItem
	decode(t, rec, &item)

	rec = f.do(http.MethodPost, fmt.Sprintf("/api/organizations/%d/tracked-items", f.org.ID),
		gin.H{"title": "Bad date", "due_date": "01/01/2000"}, nil, cookies...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, fmt.Sprintf("/api/organizations/%d/tracked-items", f.org.ID), nil, nil, cookies...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(models.StatusOverdue))

	rec = f.do(http.MethodPost, fmt.Sprintf("/api/tracked-items/%d/complete", item.ID), nil, nil, cookies...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view struct {
		Status string `json:"status"`
	}
	decode(t, rec, &view)
	assert.Equal(t, string(models.StatusOK), view.Status)

	rec = f.do(http.MethodPost, "/api/tracked-items/9999/complete", nil, nil, cookies...)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateUser(t *testing.T) {
	f := newFixture(t)
	f.user(0, "root", models.RoleAdmin)
	f.user(f.org.ID, "officer", models.RoleSecurityOfficer)
	admin := f.login("root")

	body := gin.H{"username": "newbie", "password": "long-enough", "role": "engineer", "organization_id": f.org.ID}
	rec := f.do(http.MethodPost, "/api/users", body, nil, admin...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/users", body, nil, admin...)
	assert.Equal(t, http.StatusConflict, rec.Code)

	body["username"] = "other"
	body["role"] = "superuser"
	rec = f.do(http.MethodPost, "/api/users", body, nil, admin...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/users", body, nil, f.login("officer")...)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
