// Package evidence records deduplicated proof artifacts from check verdicts.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/vinmnit159/isms-backend/internal/audit"
	"github.com/vinmnit159/isms-backend/internal/checks"
	"github.com/vinmnit159/isms-backend/internal/metrics"
	"github.com/vinmnit159/isms-backend/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errNotRecordable = errors.New("verdict carries no verified facts")

// ContentHash returns the hex SHA-256 of the verdict's canonical payload
// along with the payload itself.
func ContentHash(v checks.Verdict) (string, []byte, error) {
	payload, err := v.Payload()
	if err != nil {
		return "", nil, fmt.Errorf("canonicalize verdict %s: %w", v.CheckName, err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), payload, nil
}

// Recordable reports whether a verdict describes observed facts. Verdicts
// synthesized from evaluation failures or unknown checks do not.
func Recordable(v checks.Verdict) bool {
	return !v.Errored && len(v.Evaluated) > 0
}

type Entry struct {
	OrganizationID uint
	Control        models.Control
	Verdict        checks.Verdict
	RunID          string
	Source         string
}

type Recorder struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewRecorder(db *gorm.DB, log *zap.Logger) *Recorder {
	return &Recorder{db: db, log: log.Named("evidence")}
}

// Record inserts evidence unless a row with the same organization, control
// and content hash exists. created is false for duplicates; a concurrent
// duplicate insert is not an error.
func (r *Recorder) Record(ctx context.Context, e Entry) (created bool, err error) {
	if !Recordable(e.Verdict) {
		return false, errNotRecordable
	}
	hash, payload, err := ContentHash(e.Verdict)
	if err != nil {
		return false, err
	}

	row := models.Evidence{
		OrganizationID:    e.OrganizationID,
		ControlID:         e.Control.ID,
		ContentHash:       hash,
		CheckName:         string(e.Verdict.CheckName),
		Result:            string(e.Verdict.Result),
		Automated:         true,
		SourceDescription: e.Source,
		Payload:           string(payload),
		RunID:             e.RunID,
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("insert evidence: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true
		return audit.Write(tx, audit.Engine(e.OrganizationID, e.RunID, audit.EntityEvidence, row.ID, "create",
			fmt.Sprintf("%s %s for control %s", e.Verdict.CheckName, e.Verdict.Result, e.Control.Reference)))
	})
	if err != nil {
		return false, err
	}

	if created {
		metrics.EvidenceCreated.Inc()
		r.log.Debug("evidence recorded",
			zap.String("check", string(e.Verdict.CheckName)),
			zap.String("control", e.Control.Reference),
			zap.String("hash", hash[:12]))
	}
	return created, nil
}

// List returns an organization's evidence, newest first, optionally for one
// control reference.
func List(ctx context.Context, db *gorm.DB, orgID uint, controlRef string) ([]models.Evidence, error) {
	q := db.WithContext(ctx).Preload("Control").
		Where("evidence.organization_id = ?", orgID).
		Order("evidence.created_at desc, evidence.id desc")
	if controlRef != "" {
		q = q.Joins("JOIN controls ON controls.id = evidence.control_id").
			Where("controls.reference = ?", controlRef)
	}
	var out []models.Evidence
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	return out, nil
}
