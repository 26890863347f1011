// Package tracking manages tracked items and derives their display status.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinmnit159/isms-backend/internal/audit"
	"github.com/vinmnit159/isms-backend/internal/checks"
	"github.com/vinmnit159/isms-backend/internal/lockset"
	"github.com/vinmnit159/isms-backend/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DueSoonWindow is the horizon within which an open item is due soon.
const DueSoonWindow = 14 * 24 * time.Hour

// DefaultReviewInterval is the due date offset of newly created automated items.
const DefaultReviewInterval = 90 * 24 * time.Hour

// DeriveStatus is the display status of an item at now. It never changes
// what is stored.
func DeriveStatus(stored models.TrackedStatus, due, completedAt *time.Time, now time.Time) models.TrackedStatus {
	if completedAt != nil {
		return models.StatusOK
	}
	if due != nil && due.Before(now) {
		return models.StatusOverdue
	}
	if stored == models.StatusNeedsRemediation {
		return models.StatusNeedsRemediation
	}
	return models.StatusDueSoon
}

// View is an item with its derived status.
type View struct {
	models.TrackedItem
	Status models.TrackedStatus `json:"status"`
}

type Service struct {
	db    *gorm.DB
	locks *lockset.Set
	log   *zap.Logger
	now   func() time.Time
}

func NewService(db *gorm.DB, locks *lockset.Set, log *zap.Logger) *Service {
	return &Service{db: db, locks: locks, log: log.Named("tracking"), now: time.Now}
}

// EnsureAutomated creates the automated item of every definition the
// organization does not have yet. It returns how many were created.
func (s *Service) EnsureAutomated(ctx context.Context, orgID uint, defs []checks.Definition, owner *uint) (int, error) {
	created := 0
	for _, def := range defs {
		ok, err := s.ensureOne(ctx, orgID, def, owner)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (s *Service) ensureOne(ctx context.Context, orgID uint, def checks.Definition, owner *uint) (bool, error) {
	unlock := s.locks.Lock(fmt.Sprintf("tracked:%d:%s", orgID, def.Name))
	defer unlock()

	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&models.TrackedItem{}).
			Where("organization_id = ? AND kind = ? AND check_name = ?", orgID, models.ItemAutomated, string(def.Name)).
			Count(&n).Error
		if err != nil || n > 0 {
			return err
		}

		due := s.now().Add(DefaultReviewInterval)
		item := models.TrackedItem{
			OrganizationID: orgID,
			Title:          def.Title,
			Kind:           models.ItemAutomated,
			CheckName:      string(def.Name),
			ControlRef:     def.Controls[0],
			Description:    def.Description,
			StoredStatus:   models.StatusDueSoon,
			DueDate:        &due,
			OwnerID:        owner,
		}
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		created = true
		return audit.Write(tx, audit.Engine(orgID, "", audit.EntityTrackedItem, item.ID, "create", string(def.Name)))
	})
	if err != nil {
		return false, fmt.Errorf("ensure tracked item for %s: %w", def.Name, err)
	}
	return created, nil
}

// automatedItem selects the automated item of a check under a row lock.
func automatedItem(tx *gorm.DB, orgID uint, name checks.Name) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("organization_id = ? AND kind = ? AND check_name = ?", orgID, models.ItemAutomated, string(name))
}

// RecordRun applies a run's folded check result to the automated item of
// that check. Pass completes the item; Fail marks it for remediation and
// supersedes a manual override or completion; Warning only records the run.
func (s *Service) RecordRun(ctx context.Context, orgID uint, name checks.Name, result checks.Result, runID string) error {
	unlock := s.locks.Lock(fmt.Sprintf("tracked:%d:%s", orgID, name))
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item models.TrackedItem
		err := automatedItem(tx, orgID, name).First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := s.now()
		updates := map[string]any{"last_run_result": string(result), "last_run_at": now}
		switch result {
		case checks.Pass:
			updates["stored_status"] = models.StatusOK
			updates["completed_at"] = now
		case checks.Fail:
			updates["stored_status"] = models.StatusNeedsRemediation
			updates["completed_at"] = nil
		}

		before := DeriveStatus(item.StoredStatus, item.DueDate, item.CompletedAt, now)
		if err := tx.Model(&item).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.First(&item, item.ID).Error; err != nil {
			return err
		}
		after := DeriveStatus(item.StoredStatus, item.DueDate, item.CompletedAt, now)
		if before == after {
			return nil
		}
		return audit.Write(tx, audit.Engine(orgID, runID, audit.EntityTrackedItem, item.ID, "status_change",
			fmt.Sprintf("%s -> %s", before, after)))
	})
}

// CreateManual adds a manual item.
func (s *Service) CreateManual(ctx context.Context, item models.TrackedItem, actor *uint) (models.TrackedItem, error) {
	item.ID = 0
	item.Kind = models.ItemManual
	item.CheckName = ""
	item.StoredStatus = models.StatusDueSoon
	item.CompletedAt = nil
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		return audit.Write(tx, models.AuditLog{
			OrganizationID: item.OrganizationID,
			UserID:         actor,
			Entity:         audit.EntityTrackedItem,
			EntityID:       item.ID,
			Action:         "create",
			Details:        item.Title,
		})
	})
	return item, err
}

// Complete marks an item done.
func (s *Service) Complete(ctx context.Context, id uint, actor *uint) (View, error) {
	now := s.now()
	return s.set(ctx, id, actor, "complete", map[string]any{
		"stored_status": models.StatusOK,
		"completed_at":  now,
	})
}

// FlagNeedsRemediation overrides an item's status until it is completed or,
// for automated items, superseded by a run.
func (s *Service) FlagNeedsRemediation(ctx context.Context, id uint, actor *uint) (View, error) {
	return s.set(ctx, id, actor, "needs_remediation", map[string]any{
		"stored_status": models.StatusNeedsRemediation,
		"completed_at":  nil,
	})
}

func (s *Service) set(ctx context.Context, id uint, actor *uint, action string, updates map[string]any) (View, error) {
	var item models.TrackedItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&item, id).Error; err != nil {
			return err
		}
		if err := tx.Model(&item).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.First(&item, id).Error; err != nil {
			return err
		}
		return audit.Write(tx, models.AuditLog{
			OrganizationID: item.OrganizationID,
			UserID:         actor,
			Entity:         audit.EntityTrackedItem,
			EntityID:       item.ID,
			Action:         action,
		})
	})
	if err != nil {
		return View{}, err
	}
	return s.view(item), nil
}

func (s *Service) view(item models.TrackedItem) View {
	return View{TrackedItem: item, Status: DeriveStatus(item.StoredStatus, item.DueDate, item.CompletedAt, s.now())}
}

// List returns an organization's items with derived status.
func (s *Service) List(ctx context.Context, orgID uint) ([]View, error) {
	var items []models.TrackedItem
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("due_date, id").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list tracked items: %w", err)
	}
	out := make([]View, len(items))
	for i, it := range items {
		out[i] = s.view(it)
	}
	return out, nil
}
