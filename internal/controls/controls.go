// Package controls keeps per-subject check results and derives control
// implementation status from them.
package controls

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vinmnit159/isms-backend/internal/audit"
	"github.com/vinmnit159/isms-backend/internal/checks"
	"github.com/vinmnit159/isms-backend/internal/lockset"
	"github.com/vinmnit159/isms-backend/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Classify maps pass counts onto a control state. Zero counted outcomes
// means nothing has been shown to work.
func Classify(pass, total int) models.ControlState {
	if total <= 0 {
		return models.ControlNotImplemented
	}
	switch {
	case pass >= total:
		return models.ControlImplemented
	case pass*2 >= total:
		return models.ControlPartiallyImplemented
	}
	return models.ControlNotImplemented
}

type Aggregator struct {
	db       *gorm.DB
	registry *checks.Registry
	locks    *lockset.Set
	log      *zap.Logger
	now      func() time.Time
}

func NewAggregator(db *gorm.DB, registry *checks.Registry, locks *lockset.Set, log *zap.Logger) *Aggregator {
	return &Aggregator{db: db, registry: registry, locks: locks, log: log.Named("controls"), now: time.Now}
}

// RecordResults replaces the stored outcomes of one check over one run
// scope with the verdict's outcomes. subjects maps outcome subject keys to
// persisted subject ids; outcomes with no id are skipped.
func (a *Aggregator) RecordResults(ctx context.Context, orgID uint, v checks.Verdict, subjects map[string]uint, runID string) error {
	unlock := a.locks.Lock(fmt.Sprintf("results:%d:%s:%s", orgID, v.CheckName, v.Scope))
	defer unlock()

	now := a.now()
	var rows []models.CheckResult
	for _, o := range v.Outcomes() {
		id, ok := subjects[o.Subject.Key]
		if !ok {
			continue
		}
		rows = append(rows, models.CheckResult{
			OrganizationID: orgID,
			CheckName:      string(v.CheckName),
			SubjectID:      id,
			Scope:          v.Scope,
			Result:         string(o.Result),
			RunID:          runID,
			EvaluatedAt:    now,
		})
	}

	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("organization_id = ? AND check_name = ? AND scope = ?", orgID, string(v.CheckName), v.Scope).
			Delete(&models.CheckResult{}).Error
		if err != nil {
			return fmt.Errorf("clear results for %s: %w", v.CheckName, err)
		}
		if len(rows) == 0 {
			return nil
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}, {Name: "check_name"}, {Name: "subject_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"scope", "result", "run_id", "evaluated_at"}),
		}).Create(&rows).Error
		if err != nil {
			return fmt.Errorf("store results for %s: %w", v.CheckName, err)
		}
		return nil
	})
}

type tally struct {
	Result string
	N      int
}

func (a *Aggregator) tallies(ctx context.Context, db *gorm.DB, orgID uint, names []checks.Name) (pass, fail, warn int, err error) {
	if len(names) == 0 {
		return 0, 0, 0, nil
	}
	strNames := make([]string, len(names))
	for i, n := range names {
		strNames[i] = string(n)
	}
	var rows []tally
	err = db.WithContext(ctx).Model(&models.CheckResult{}).
		Select("result, COUNT(*) AS n").
		Where("organization_id = ? AND check_name IN ?", orgID, strNames).
		Group("result").
		Scan(&rows).Error
	if err != nil {
		return 0, 0, 0, fmt.Errorf("count check results: %w", err)
	}
	for _, r := range rows {
		switch checks.Result(r.Result) {
		case checks.Pass:
			pass += r.N
		case checks.Fail:
			fail += r.N
		case checks.Warning:
			warn += r.N
		}
	}
	return pass, fail, warn, nil
}

// Aggregate recomputes a control's status for an organization from all
// stored results of the checks mapped to it. Warnings are not counted.
func (a *Aggregator) Aggregate(ctx context.Context, orgID uint, ref string, runID string) (models.ControlStatus, error) {
	unlock := a.locks.Lock(fmt.Sprintf("control:%d:%s", orgID, ref))
	defer unlock()

	var status models.ControlStatus
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ctrl models.Control
		if err := tx.Where("reference = ?", ref).First(&ctrl).Error; err != nil {
			return fmt.Errorf("control %s: %w", ref, err)
		}

		pass, fail, _, err := a.tallies(ctx, tx, orgID, a.registry.ChecksForControl(ref))
		if err != nil {
			return err
		}
		total := pass + fail
		state := Classify(pass, total)

		var prev models.ControlStatus
		err = tx.Where("organization_id = ? AND control_id = ?", orgID, ctrl.ID).First(&prev).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		status = models.ControlStatus{
			OrganizationID: orgID,
			ControlID:      ctrl.ID,
			Control:        ctrl,
			Status:         state,
			PassCount:      pass,
			TotalCount:     total,
		}
		err = tx.Omit("Control").Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}, {Name: "control_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "pass_count", "total_count", "updated_at"}),
		}).Create(&status).Error
		if err != nil {
			return fmt.Errorf("store status of %s: %w", ref, err)
		}

		if prev.Status != state {
			from := prev.Status
			if from == "" {
				from = "none"
			}
			a.log.Info("control status changed",
				zap.Uint("org_id", orgID),
				zap.String("control", ref),
				zap.String("from", string(from)),
				zap.String("to", string(state)))
			return audit.Write(tx, audit.Engine(orgID, runID, audit.EntityControl, ctrl.ID, "status_change",
				fmt.Sprintf("%s: %s -> %s (%d/%d)", ref, from, state, pass, total)))
		}
		return nil
	})
	return status, err
}

// CheckResult folds a check's stored outcomes for an organization: any Fail
// fails, otherwise any Pass passes, otherwise Warning. ok is false when the
// check has no stored outcomes.
func (a *Aggregator) CheckResult(ctx context.Context, orgID uint, name checks.Name) (checks.Result, bool, error) {
	pass, fail, warn, err := a.tallies(ctx, a.db, orgID, []checks.Name{name})
	if err != nil {
		return "", false, err
	}
	switch {
	case fail > 0:
		return checks.Fail, true, nil
	case pass > 0:
		return checks.Pass, true, nil
	case warn > 0:
		return checks.Warning, true, nil
	}
	return "", false, nil
}

// List returns an organization's control statuses by reference.
func List(ctx context.Context, db *gorm.DB, orgID uint) ([]models.ControlStatus, error) {
	var out []models.ControlStatus
	err := db.WithContext(ctx).Preload("Control").
		Where("organization_id = ?", orgID).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list control statuses: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Control.Reference < out[j].Control.Reference })
	return out, nil
}
