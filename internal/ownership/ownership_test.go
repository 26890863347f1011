package ownership

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vinmnit159/isms-backend/internal/models"
	"github.com/vinmnit159/isms-backend/internal/testutil"
)

func user(id uint, role models.UserRole, active bool) models.User {
	u := models.User{Role: role, Active: active}
	u.ID = id
	return u
}

func TestPickPrecedence(t *testing.T) {
	fallback := uint(99)

	tests := []struct {
		name   string
		users  []models.User
		want   uint
		wantOK bool
	}{
		{"admin wins", []models.User{user(5, models.RoleEngineer, true), user(7, models.RoleAdmin, true)}, 7, true},
		{"lowest admin id", []models.User{user(9, models.RoleAdmin, true), user(3, models.RoleAdmin, true)}, 3, true},
		{"security officer next", []models.User{user(4, models.RoleSecurityOfficer, true), user(2, models.RoleEngineer, true)}, 4, true},
		{"inactive admin skipped", []models.User{user(1, models.RoleAdmin, false), user(2, models.RoleEngineer, true)}, 2, true},
		{"viewer is never owner", []models.User{user(1, models.RoleViewer, true)}, fallback, true},
		{"no users", nil, fallback, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Pick(tt.users, DefaultPrecedence, &fallback)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := Pick(nil, DefaultPrecedence, nil)
	assert.False(t, ok)
}

func TestResolveScopesToOrganization(t *testing.T) {
	db := testutil.NewDB(t)
	acme := testutil.Organization(t, db, "acme")
	other := testutil.Organization(t, db, "other")

	testutil.User(t, db, other.ID, "other-admin", models.RoleAdmin)
	eng := testutil.User(t, db, acme.ID, "eng", models.RoleEngineer)

	got, err := Resolve(context.Background(), db, acme.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, eng.ID, *got)

	global := testutil.User(t, db, 0, "root", models.RoleAdmin)
	got, err = Resolve(context.Background(), db, acme.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, global.ID, *got)

	none, err := Resolve(context.Background(), db, other.ID+100, nil)
	require.NoError(t, err)
	assert.Equal(t, global.ID, *none)
}
