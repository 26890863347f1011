// Package risks reconciles check outcomes into the risk register.
package risks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinmnit159/isms-backend/internal/audit"
	"github.com/vinmnit159/isms-backend/internal/checks"
	"github.com/vinmnit159/isms-backend/internal/lockset"
	"github.com/vinmnit159/isms-backend/internal/metrics"
	"github.com/vinmnit159/isms-backend/internal/models"
	"github.com/vinmnit159/isms-backend/internal/ownership"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Transition string

const (
	None      Transition = "none"
	Created   Transition = "created"
	Reopened  Transition = "reopened"
	Mitigated Transition = "mitigated"
	Rescored  Transition = "rescored"
)

// Title is the natural key of a risk within its subject.
func Title(check checks.Name, subjectName string) string {
	return fmt.Sprintf("%s: %s", check, subjectName)
}

// Score is impact times likelihood on the 1..4 ordinal scale.
func Score(impact, likelihood models.RiskLevel) int {
	return impact.Ordinal() * likelihood.Ordinal()
}

type Input struct {
	OrganizationID uint
	Subject        models.Subject
	Definition     checks.Definition
	Result         checks.Result
	Detail         string
	RunID          string
	// Initiator is the owner fallback when no user matches the role precedence.
	Initiator *uint
}

type Manager struct {
	db    *gorm.DB
	locks *lockset.Set
	log   *zap.Logger
	now   func() time.Time
}

func NewManager(db *gorm.DB, locks *lockset.Set, log *zap.Logger) *Manager {
	return &Manager{db: db, locks: locks, log: log.Named("risks"), now: time.Now}
}

// Reconcile applies one (subject, check) outcome to the register:
//
//	none      + Fail -> create OPEN
//	OPEN      + Fail -> refresh score if weights changed
//	MITIGATED + Fail -> reopen the same row
//	OPEN      + Pass -> MITIGATED
//
// Warnings and every other combination leave the register unchanged.
// Calls for the same (subject, check) are serialized; each call is atomic.
func (m *Manager) Reconcile(ctx context.Context, in Input) (Transition, error) {
	if in.Result == checks.Warning {
		return None, nil
	}
	title := Title(in.Definition.Name, in.Subject.Name)
	unlock := m.locks.Lock(fmt.Sprintf("risk:%d:%s", in.Subject.ID, title))
	defer unlock()

	var tr Transition
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		tr, err = m.reconcile(ctx, tx, in, title)
		return err
	})
	if err != nil {
		return None, fmt.Errorf("reconcile risk %q: %w", title, err)
	}

	if tr != None {
		metrics.RiskTransitions.WithLabelValues(string(tr)).Inc()
		m.log.Info("risk transition",
			zap.String("transition", string(tr)),
			zap.String("title", title),
			zap.String("run_id", in.RunID))
	}
	return tr, nil
}

// lookup selects a risk by its natural key and holds the row lock until the
// transaction ends, so concurrent reconcilers in other processes queue
// behind it.
func lookup(tx *gorm.DB, subjectID uint, title string) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("subject_id = ? AND title = ?", subjectID, title)
}

func (m *Manager) reconcile(ctx context.Context, tx *gorm.DB, in Input, title string) (Transition, error) {
	var risk models.Risk
	err := lookup(tx, in.Subject.ID, title).First(&risk).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if in.Result != checks.Fail {
			return None, nil
		}
		created, err := m.create(ctx, tx, in, title)
		if err != nil || created {
			if created {
				return Created, nil
			}
			return None, err
		}
		// another writer inserted the row first; apply the outcome to it
		if err := lookup(tx, in.Subject.ID, title).First(&risk).Error; err != nil {
			return None, err
		}
	case err != nil:
		return None, err
	}

	now := m.now()
	score := Score(in.Definition.Impact, in.Definition.Likelihood)
	var (
		tr      Transition
		updates map[string]any
	)
	switch {
	case risk.Status == models.RiskMitigated && in.Result == checks.Fail:
		tr = Reopened
		updates = map[string]any{
			"status":       models.RiskOpen,
			"mitigated_at": nil,
			"reopen_count": risk.ReopenCount + 1,
			"impact":       in.Definition.Impact,
			"likelihood":   in.Definition.Likelihood,
			"score":        score,
		}
	case risk.Status == models.RiskOpen && in.Result == checks.Pass:
		tr = Mitigated
		updates = map[string]any{"status": models.RiskMitigated, "mitigated_at": now}
	case risk.Status == models.RiskOpen && in.Result == checks.Fail && risk.Score != score:
		tr = Rescored
		updates = map[string]any{
			"impact":     in.Definition.Impact,
			"likelihood": in.Definition.Likelihood,
			"score":      score,
		}
	default:
		return None, nil
	}

	detail := fmt.Sprintf("%s -> %s", risk.Status, updates["status"])
	if tr == Rescored {
		detail = fmt.Sprintf("score %d -> %d", risk.Score, score)
	}
	if err := tx.Model(&risk).Updates(updates).Error; err != nil {
		return None, err
	}
	if err := audit.Write(tx, audit.Engine(in.OrganizationID, in.RunID, audit.EntityRisk, risk.ID, string(tr), detail)); err != nil {
		return None, err
	}
	return tr, nil
}

func (m *Manager) create(ctx context.Context, tx *gorm.DB, in Input, title string) (bool, error) {
	owner, err := ownership.Resolve(ctx, tx, in.OrganizationID, in.Initiator)
	if err != nil {
		return false, err
	}
	desc := in.Definition.Description
	if in.Detail != "" {
		desc = fmt.Sprintf("%s\n\nObserved: %s", desc, in.Detail)
	}
	risk := models.Risk{
		OrganizationID: in.OrganizationID,
		SubjectID:      in.Subject.ID,
		CheckName:      string(in.Definition.Name),
		Title:          title,
		Description:    desc,
		Impact:         in.Definition.Impact,
		Likelihood:     in.Definition.Likelihood,
		Score:          Score(in.Definition.Impact, in.Definition.Likelihood),
		Status:         models.RiskOpen,
		OwnerID:        owner,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&risk)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	return true, audit.Write(tx, audit.Engine(in.OrganizationID, in.RunID, audit.EntityRisk, risk.ID, string(Created),
		fmt.Sprintf("opened with score %d", risk.Score)))
}

type ListFilter struct {
	Status    models.RiskStatus
	CheckName string
}

// List returns an organization's risks, highest score first.
func List(ctx context.Context, db *gorm.DB, orgID uint, f ListFilter) ([]models.Risk, error) {
	q := db.WithContext(ctx).Preload("Subject").Where("organization_id = ?", orgID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.CheckName != "" {
		q = q.Where("check_name = ?", f.CheckName)
	}
	var out []models.Risk
	if err := q.Order("score desc, id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list risks: %w", err)
	}
	return out, nil
}

// Narrative holds the human-editable fields of a risk.
type Narrative struct {
	Description *string
	Treatment   *string
	OwnerID     *uint
}

// UpdateNarrative edits the fields a human owns. Lifecycle fields are
// reserved for reconciliation.
func UpdateNarrative(ctx context.Context, db *gorm.DB, riskID uint, n Narrative, actor *uint) (models.Risk, error) {
	var risk models.Risk
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&risk, riskID).Error; err != nil {
			return err
		}
		updates := map[string]any{}
		if n.Description != nil {
			updates["description"] = *n.Description
		}
		if n.Treatment != nil {
			updates["treatment"] = *n.Treatment
		}
		if n.OwnerID != nil {
			updates["owner_id"] = *n.OwnerID
		}
		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(&risk).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.First(&risk, riskID).Error; err != nil {
			return err
		}
		return audit.Write(tx, models.AuditLog{
			OrganizationID: risk.OrganizationID,
			UserID:         actor,
			Entity:         audit.EntityRisk,
			EntityID:       risk.ID,
			Action:         "update",
			Details:        "narrative fields edited",
		})
	})
	return risk, err
}
