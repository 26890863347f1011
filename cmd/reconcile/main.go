// Command reconcile runs the repository checks once for one or every
// connected organization. It is meant to be started by an external
// scheduler; the exit status is non-zero when any run failed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vinmnit159/isms-backend/internal/config"
	"github.com/vinmnit159/isms-backend/internal/database"
	"github.com/vinmnit159/isms-backend/internal/engine"
	"github.com/vinmnit159/isms-backend/internal/logging"
	"github.com/vinmnit159/isms-backend/internal/models"
	"github.com/vinmnit159/isms-backend/internal/source"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var orgID uint
	cmd := &cobra.Command{
		Use:           "reconcile",
		Short:         "Reconcile compliance evidence and risks for connected organizations.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logging.NewStdout(cfg.Log)
			defer func() { _ = log.Sync() }()
			zap.ReplaceGlobals(log)

			db, err := database.Init(database.Options{
				DSN:           cfg.DBDSN,
				AdminUsername: cfg.AdminUsername,
				AdminPassword: cfg.AdminPassword,
			}, log)
			if err != nil {
				return err
			}

			gh, err := source.FromConfig(cfg, log)
			if err != nil {
				return err
			}

			eng := engine.New(db, gh, log,
				engine.WithConcurrency(cfg.RunConcurrency),
				engine.WithChangeWindow(cfg.ChangeWindow))
			return reconcileAll(cmd.Context(), db, eng, orgID, log)
		},
	}
	cmd.Flags().UintVar(&orgID, "org", 0, "organization id (default: every connected organization)")
	return cmd
}

type runner interface {
	RunOrganization(ctx context.Context, orgID uint, trigger string, initiator *uint) (*engine.Report, error)
}

// reconcileAll runs the organizations one after another and joins every
// failure into the returned error.
func reconcileAll(ctx context.Context, db *gorm.DB, eng runner, orgID uint, log *zap.Logger) error {
	var ids []uint
	q := db.WithContext(ctx).Model(&models.Organization{}).Where("git_hub_login <> ''")
	if orgID != 0 {
		q = q.Where("id = ?", orgID)
	}
	if err := q.Order("id").Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("list organizations: %w", err)
	}
	if orgID != 0 && len(ids) == 0 {
		return fmt.Errorf("organization %d not found or not connected", orgID)
	}

	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		rep, err := eng.RunOrganization(ctx, id, engine.TriggerScheduled, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("organization %d: %w", id, err))
			continue
		}
		log.Info("organization reconciled",
			zap.Uint("org_id", id),
			zap.String("run_id", rep.RunID),
			zap.Int("evidence_created", rep.EvidenceCreated))
	}
	return errors.Join(errs...)
}
