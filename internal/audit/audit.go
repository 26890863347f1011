// Package audit writes and reads the append-only audit trail.
package audit

import (
	"context"
	"fmt"

	"github.com/vinmnit159/isms-backend/internal/models"
	"gorm.io/gorm"
)

const (
	EntityRisk        = "risk"
	EntityEvidence    = "evidence"
	EntityControl     = "control"
	EntityTrackedItem = "tracked_item"
	EntityDevice      = "device"
	EntityRun         = "scan_run"
	EntityOrg         = "organization"
	EntityUser        = "user"
)

// Write appends entry using db, which may be a transaction.
func Write(db *gorm.DB, entry models.AuditLog) error {
	entry.ID = 0
	if err := db.Create(&entry).Error; err != nil {
		return fmt.Errorf("write audit entry %s/%s: %w", entry.Entity, entry.Action, err)
	}
	return nil
}

// Engine builds an entry for a change made by a run rather than a user.
func Engine(orgID uint, runID, entity string, entityID uint, action, details string) models.AuditLog {
	return models.AuditLog{
		OrganizationID: orgID,
		Entity:         entity,
		EntityID:       entityID,
		Action:         action,
		Details:        details,
		RunID:          runID,
	}
}

type Filter struct {
	OrganizationID uint
	Entity         string
	RunID          string
	Limit          int
}

// List returns entries newest first.
func List(ctx context.Context, db *gorm.DB, f Filter) ([]models.AuditLog, error) {
	q := db.WithContext(ctx).Preload("User").Order("created_at desc, id desc")
	if f.OrganizationID != 0 {
		q = q.Where("organization_id = ?", f.OrganizationID)
	}
	if f.Entity != "" {
		q = q.Where("entity = ?", f.Entity)
	}
	if f.RunID != "" {
		q = q.Where("run_id = ?", f.RunID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	var logs []models.AuditLog
	if err := q.Limit(limit).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return logs, nil
}
