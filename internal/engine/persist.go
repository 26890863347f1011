package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vinmnit159/isms-backend/internal/checks"
	"github.com/vinmnit159/isms-backend/internal/datasource"
	"github.com/vinmnit159/isms-backend/internal/evidence"
	"github.com/vinmnit159/isms-backend/internal/models"
	"github.com/vinmnit159/isms-backend/internal/ownership"
	"github.com/vinmnit159/isms-backend/internal/risks"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// execute evaluates defs and persists the verdicts. Per-verdict write
// failures are collected and do not stop the other verdicts.
func (e *Engine) execute(ctx context.Context, run *models.ScanRun, rep *Report, defs []checks.Definition,
	a *datasource.Adapter, ec checks.EvalContext, initiator *uint, sourceDesc string) error {

	verdicts := e.evaluate(ctx, defs, a, ec)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run aborted before persistence: %w", err)
	}
	for _, v := range verdicts {
		rep.Verdicts = append(rep.Verdicts, VerdictSummary{
			Check:   v.CheckName,
			Result:  v.Result,
			Summary: v.Summary,
			Errored: v.Errored,
		})
	}

	subjects, err := e.upsertSubjects(ctx, run.OrganizationID, verdicts)
	if err != nil {
		return err
	}
	catalog, err := e.loadControls(ctx)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, v := range verdicts {
		v := v
		g.Go(func() error {
			created, trs, err := e.persistVerdict(ctx, run, v, subjects, catalog, initiator, sourceDesc)
			mu.Lock()
			rep.EvidenceCreated += created
			for _, tr := range trs {
				rep.Transitions[tr]++
			}
			mu.Unlock()
			if err != nil {
				collect(fmt.Errorf("persist %s: %w", v.CheckName, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, ref := range controlRefs(defs) {
		st, err := e.controls.Aggregate(ctx, run.OrganizationID, ref, run.ID)
		if err != nil {
			collect(err)
			continue
		}
		rep.Controls[ref] = st.Status
	}

	if err := e.updateTracking(ctx, run, defs, initiator); err != nil {
		collect(err)
	}
	return errors.Join(errs...)
}

func (e *Engine) persistVerdict(ctx context.Context, run *models.ScanRun, v checks.Verdict, subjects map[string]models.Subject,
	catalog map[string]models.Control, initiator *uint, sourceDesc string) (int, []risks.Transition, error) {

	def, ok := e.registry.Lookup(v.CheckName)
	if !ok {
		return 0, nil, nil
	}

	created := 0
	var trs []risks.Transition
	if evidence.Recordable(v) {
		for _, ref := range def.Controls {
			ctrl, ok := catalog[ref]
			if !ok {
				return created, trs, fmt.Errorf("control %s is not in the catalog", ref)
			}
			added, err := e.evidence.Record(ctx, evidence.Entry{
				OrganizationID: run.OrganizationID,
				Control:        ctrl,
				Verdict:        v,
				RunID:          run.ID,
				Source:         sourceDesc,
			})
			if err != nil {
				return created, trs, err
			}
			if added {
				created++
			}
		}

		for _, o := range v.Outcomes() {
			subj, ok := subjects[o.Subject.Key]
			if !ok {
				continue
			}
			tr, err := e.risks.Reconcile(ctx, risks.Input{
				OrganizationID: run.OrganizationID,
				Subject:        subj,
				Definition:     def,
				Result:         o.Result,
				Detail:         o.Detail,
				RunID:          run.ID,
				Initiator:      initiator,
			})
			if err != nil {
				return created, trs, err
			}
			if tr != risks.None {
				trs = append(trs, tr)
			}
		}
	}

	ids := make(map[string]uint, len(subjects))
	for k, s := range subjects {
		ids[k] = s.ID
	}
	return created, trs, e.controls.RecordResults(ctx, run.OrganizationID, v, ids, run.ID)
}

// upsertSubjects stores every evaluated subject by natural key and returns
// them by key.
func (e *Engine) upsertSubjects(ctx context.Context, orgID uint, verdicts []checks.Verdict) (map[string]models.Subject, error) {
	seen := map[string]bool{}
	var rows []models.Subject
	for _, v := range verdicts {
		for _, s := range v.Evaluated {
			if seen[s.Key] {
				continue
			}
			seen[s.Key] = true
			rows = append(rows, models.Subject{
				OrganizationID: orgID,
				Kind:           s.Kind,
				ExternalID:     s.Key,
				Name:           s.Name,
				Private:        s.Private,
				Archived:       s.Archived,
			})
		}
	}
	out := make(map[string]models.Subject, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ExternalID < rows[j].ExternalID })

	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.ExternalID
	}

	var stored []models.Subject
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}, {Name: "kind"}, {Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "private", "archived", "updated_at"}),
		}).Create(&rows).Error
		if err != nil {
			return err
		}
		return tx.Where("organization_id = ? AND external_id IN ?", orgID, keys).Find(&stored).Error
	})
	if err != nil {
		return nil, fmt.Errorf("upsert subjects: %w", err)
	}
	for _, s := range stored {
		out[s.ExternalID] = s
	}
	return out, nil
}

func (e *Engine) loadControls(ctx context.Context) (map[string]models.Control, error) {
	var rows []models.Control
	if err := e.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load control catalog: %w", err)
	}
	out := make(map[string]models.Control, len(rows))
	for _, c := range rows {
		out[c.Reference] = c
	}
	return out, nil
}

func controlRefs(defs []checks.Definition) []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range defs {
		for _, ref := range d.Controls {
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	sort.Strings(out)
	return out
}

// updateTracking brings each check's automated item in line with the
// check's stored outcomes across every scope of the organization.
func (e *Engine) updateTracking(ctx context.Context, run *models.ScanRun, defs []checks.Definition, initiator *uint) error {
	owner, err := ownership.Resolve(ctx, e.db, run.OrganizationID, initiator)
	if err != nil {
		return err
	}
	if _, err := e.tracking.EnsureAutomated(ctx, run.OrganizationID, defs, owner); err != nil {
		return err
	}

	var errs []error
	for _, def := range defs {
		res, ok, err := e.controls.CheckResult(ctx, run.OrganizationID, def.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if err := e.tracking.RecordRun(ctx, run.OrganizationID, def.Name, res, run.ID); err != nil {
			e.log.Warn("tracked item update failed", zap.String("check", string(def.Name)), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
