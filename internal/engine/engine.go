// Package engine runs reconciliation: it evaluates every applicable check
// against fresh external data and folds the verdicts into evidence, risks,
// control statuses and tracked items.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vinmnit159/isms-backend/internal/audit"
	"github.com/vinmnit159/isms-backend/internal/checks"
	"github.com/vinmnit159/isms-backend/internal/controls"
	"github.com/vinmnit159/isms-backend/internal/datasource"
	"github.com/vinmnit159/isms-backend/internal/evidence"
	"github.com/vinmnit159/isms-backend/internal/lockset"
	"github.com/vinmnit159/isms-backend/internal/metrics"
	"github.com/vinmnit159/isms-backend/internal/models"
	"github.com/vinmnit159/isms-backend/internal/risks"
	"github.com/vinmnit159/isms-backend/internal/source"
	"github.com/vinmnit159/isms-backend/internal/tracking"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	ErrNotConnected = errors.New("organization has no connected GitHub account")
	ErrNoClient     = errors.New("no source client configured")
)

const (
	TriggerScheduled  = "scheduled"
	TriggerManual     = "manual"
	TriggerConnection = "connection"
	TriggerCheckin    = "checkin"
)

type Option func(*Engine)

// WithConcurrency bounds concurrent evaluations and verdict writes per run.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithChangeWindow sets the look-back window of change-management checks.
func WithChangeWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

func WithRegistry(r *checks.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

type Engine struct {
	db       *gorm.DB
	client   source.Client
	registry *checks.Registry

	evidence *evidence.Recorder
	risks    *risks.Manager
	controls *controls.Aggregator
	tracking *tracking.Service

	log         *zap.Logger
	concurrency int
	window      time.Duration
}

// New wires an engine. client may be nil for device-only deployments.
func New(db *gorm.DB, client source.Client, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		db:          db,
		client:      client,
		registry:    checks.Default(),
		log:         log.Named("engine"),
		concurrency: 4,
		window:      30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(e)
	}

	locks := lockset.New()
	e.evidence = evidence.NewRecorder(db, log)
	e.risks = risks.NewManager(db, locks, log)
	e.controls = controls.NewAggregator(db, e.registry, locks, log)
	e.tracking = tracking.NewService(db, locks, log)
	return e
}

func (e *Engine) Registry() *checks.Registry  { return e.registry }
func (e *Engine) Tracking() *tracking.Service { return e.tracking }

type VerdictSummary struct {
	Check   checks.Name   `json:"check"`
	Result  checks.Result `json:"result"`
	Summary string        `json:"summary"`
	Errored bool          `json:"errored,omitempty"`
}

// Report describes one finished run.
type Report struct {
	RunID           string                         `json:"run_id"`
	OrganizationID  uint                           `json:"organization_id"`
	Kind            models.RunKind                 `json:"kind"`
	Status          models.RunStatus               `json:"status"`
	Verdicts        []VerdictSummary               `json:"verdicts"`
	EvidenceCreated int                            `json:"evidence_created"`
	Transitions     map[risks.Transition]int       `json:"risk_transitions"`
	Controls        map[string]models.ControlState `json:"controls"`
	Compliance      models.DeviceCompliance        `json:"compliance,omitempty"`
	Fetches         int64                          `json:"fetches"`
}

// RunOrganization reconciles every repository-scope check for a connected
// organization. initiator, when nil, defaults to the user who connected it.
func (e *Engine) RunOrganization(ctx context.Context, orgID uint, trigger string, initiator *uint) (*Report, error) {
	if e.client == nil {
		return nil, ErrNoClient
	}
	var org models.Organization
	if err := e.db.WithContext(ctx).First(&org, orgID).Error; err != nil {
		return nil, fmt.Errorf("load organization %d: %w", orgID, err)
	}
	if !org.Connected() {
		return nil, ErrNotConnected
	}
	if initiator == nil {
		initiator = org.ConnectedByID
	}

	run, err := e.startRun(ctx, org.ID, models.RunRepositories, trigger)
	if err != nil {
		return nil, err
	}
	cache := datasource.NewRunCache(run.ID)
	adapter := datasource.New(e.client, org.GitHubLogin, cache,
		datasource.WithChangeWindow(time.Now(), e.window))

	rep := newReport(run)
	ids, err := e.identities(ctx, org.ID)
	if err != nil {
		return e.finish(ctx, run, rep, err)
	}

	ec := checks.EvalContext{Organization: org.GitHubLogin, Identities: ids}
	err = e.execute(ctx, run, rep, e.registry.Definitions(checks.ScopeRepositories), adapter, ec, initiator,
		"GitHub organization "+org.GitHubLogin)
	rep.Fetches = cache.Fetches()
	return e.finish(ctx, run, rep, err)
}

// RunDevice records a checkin and reconciles the device-scope checks
// against it. The posture is stored on the device before evaluation.
func (e *Engine) RunDevice(ctx context.Context, deviceID uint, report source.DeviceReport) (*Report, error) {
	var dev models.Device
	if err := e.db.WithContext(ctx).First(&dev, deviceID).Error; err != nil {
		return nil, fmt.Errorf("load device %d: %w", deviceID, err)
	}

	compliance := models.DeviceNonCompliant
	if report.Compliant() {
		compliance = models.DeviceCompliant
	}
	if err := e.storeCheckin(ctx, &dev, report, compliance); err != nil {
		return nil, err
	}

	run, err := e.startRun(ctx, dev.OrganizationID, models.RunDevice, TriggerCheckin)
	if err != nil {
		return nil, err
	}
	rep := newReport(run)
	rep.Compliance = compliance

	name := dev.Hostname
	if name == "" {
		name = dev.SubjectKey()
	}
	subj := checks.Subject{Kind: models.SubjectDevice, Key: dev.SubjectKey(), Name: name}
	cache := datasource.NewRunCache(run.ID)
	adapter := datasource.ForDevice(report, cache)

	err = e.execute(ctx, run, rep, e.registry.Definitions(checks.ScopeDevice), adapter,
		checks.EvalContext{Device: &subj}, dev.OwnerID, "device agent checkin from "+name)
	return e.finish(ctx, run, rep, err)
}

func (e *Engine) storeCheckin(ctx context.Context, dev *models.Device, r source.DeviceReport, c models.DeviceCompliance) error {
	now := time.Now()
	updates := map[string]any{
		"disk_encryption_enabled":  r.DiskEncryptionEnabled,
		"screen_lock_enabled":      r.ScreenLockEnabled,
		"firewall_enabled":         r.FirewallEnabled,
		"system_integrity_enabled": r.SystemIntegrityEnabled,
		"auto_update_enabled":      r.AutoUpdateEnabled,
		"compliance":               c,
		"last_checkin_at":          now,
	}
	if r.OSVersion != "" {
		updates["os_version"] = r.OSVersion
	}
	if r.Hostname != "" {
		updates["hostname"] = r.Hostname
		dev.Hostname = r.Hostname
	}
	if r.SerialNumber != "" {
		updates["serial_number"] = r.SerialNumber
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Device{}).Where("id = ?", dev.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("store checkin of device %d: %w", dev.ID, err)
		}
		if dev.Compliance == c {
			return nil
		}
		return audit.Write(tx, audit.Engine(dev.OrganizationID, "", audit.EntityDevice, dev.ID, "compliance_change",
			fmt.Sprintf("%s -> %s", dev.Compliance, c)))
	})
}

func newReport(run *models.ScanRun) *Report {
	return &Report{
		RunID:          run.ID,
		OrganizationID: run.OrganizationID,
		Kind:           run.Kind,
		Transitions:    map[risks.Transition]int{},
		Controls:       map[string]models.ControlState{},
	}
}

func (e *Engine) identities(ctx context.Context, orgID uint) (map[string]checks.Identity, error) {
	var links []models.IdentityLink
	err := e.db.WithContext(ctx).Preload("User").
		Where("organization_id = ? AND provider = ?", orgID, models.ProviderGitHub).
		Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("load identity links: %w", err)
	}
	out := make(map[string]checks.Identity, len(links))
	for _, l := range links {
		out[strings.ToLower(l.ExternalLogin)] = checks.Identity{
			UserID: l.UserID,
			Active: l.User.ID != 0 && l.User.Active,
		}
	}
	return out, nil
}

func (e *Engine) startRun(ctx context.Context, orgID uint, kind models.RunKind, trigger string) (*models.ScanRun, error) {
	run := &models.ScanRun{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Kind:           kind,
		Trigger:        trigger,
		Status:         models.RunRunning,
		StartedAt:      time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	e.log.Info("run started",
		zap.String("run_id", run.ID),
		zap.Uint("org_id", orgID),
		zap.String("kind", string(kind)),
		zap.String("trigger", trigger))
	return run, nil
}

// finish records the run outcome. The history row is written even when ctx
// is already cancelled.
func (e *Engine) finish(ctx context.Context, run *models.ScanRun, rep *Report, runErr error) (*Report, error) {
	now := time.Now()
	run.FinishedAt = &now
	run.Status = models.RunSucceeded
	if runErr != nil {
		run.Status = models.RunFailed
		run.Error = runErr.Error()
	}
	for _, v := range rep.Verdicts {
		run.Checks++
		switch v.Result {
		case checks.Pass:
			run.Passed++
		case checks.Fail:
			run.Failed++
		case checks.Warning:
			run.Warnings++
		}
	}
	rep.Status = run.Status

	bg := context.WithoutCancel(ctx)
	err := e.db.WithContext(bg).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(run).Error; err != nil {
			return err
		}
		return audit.Write(tx, audit.Engine(run.OrganizationID, run.ID, audit.EntityRun, 0, string(run.Status),
			fmt.Sprintf("%s run: %d checks, %d passed, %d failed, %d warnings",
				run.Kind, run.Checks, run.Passed, run.Failed, run.Warnings)))
	})
	if err != nil {
		e.log.Error("failed to record run", zap.String("run_id", run.ID), zap.Error(err))
		runErr = errors.Join(runErr, err)
	}

	metrics.Runs.WithLabelValues(string(run.Kind), string(run.Status)).Inc()
	metrics.RunDuration.WithLabelValues(string(run.Kind)).Observe(now.Sub(run.StartedAt).Seconds())

	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("checks", run.Checks),
		zap.Int("failed", run.Failed),
		zap.Int("evidence_created", rep.EvidenceCreated),
		zap.Duration("took", now.Sub(run.StartedAt)),
	}
	if runErr != nil {
		e.log.Error("run finished with errors", append(fields, zap.Error(runErr))...)
		return rep, runErr
	}
	e.log.Info("run finished", fields...)
	return rep, nil
}

// evaluate runs every definition concurrently. Verdicts keep definition order.
func (e *Engine) evaluate(ctx context.Context, defs []checks.Definition, a *datasource.Adapter, ec checks.EvalContext) []checks.Verdict {
	out := make([]checks.Verdict, len(defs))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, def := range defs {
		i, def := i, def
		g.Go(func() error {
			v := e.registry.Evaluate(ctx, def.Name, a, ec)
			metrics.ChecksEvaluated.WithLabelValues(string(v.CheckName), string(v.Result)).Inc()
			if v.Errored {
				e.log.Warn("check evaluation failed",
					zap.String("check", string(def.Name)),
					zap.String("summary", v.Summary))
			}
			out[i] = v
			return nil
		})
	}
	_ = g.Wait()
	return out
}
