// Package testutil provides an in-memory database for package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/vinmnit159/isms-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// NewDB opens a fresh migrated in-memory SQLite database. The pool is a
// single connection, so concurrent callers are serialized by database/sql.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

// Organization creates a connected organization.
func Organization(t *testing.T, db *gorm.DB, login string) models.Organization {
	t.Helper()
	org := models.Organization{Name: strings.ToUpper(login), GitHubLogin: login}
	require.NoError(t, db.Create(&org).Error)
	return org
}

// User creates an active user with the given role.
func User(t *testing.T, db *gorm.DB, orgID uint, username string, role models.UserRole) models.User {
	t.Helper()
	u := models.User{OrganizationID: orgID, Username: username, PasswordHash: "x", Role: role, Active: true}
	require.NoError(t, db.Create(&u).Error)
	return u
}
