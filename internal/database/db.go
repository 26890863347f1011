package database

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/vinmnit159/isms-backend/internal/controls"
	"github.com/vinmnit159/isms-backend/internal/models"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

type Options struct {
	DSN           string
	AdminUsername string
	AdminPassword string
	SeedDemoUsers bool
	// CredentialsOut receives a generated admin password. Defaults to stderr.
	CredentialsOut io.Writer
}

// Init connects with retries, migrates, seeds and sets DB.
func Init(opts Options, log *zap.Logger) (*gorm.DB, error) {
	log = log.Named("database")
	gormLog := logger.New(zap.NewStdLog(log), logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})

	const maxAttempts = 10
	var (
		db      *gorm.DB
		attempt int
	)
	connect := func() error {
		attempt++
		log.Info("connecting to database", zap.Int("attempt", attempt), zap.Int("max_attempts", maxAttempts))
		var err error
		db, err = gorm.Open(postgres.Open(opts.DSN), &gorm.Config{Logger: gormLog})
		return err
	}
	notify := func(err error, delay time.Duration) {
		log.Warn("database connection failed", zap.Error(err), zap.Duration("retry_in", delay))
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	if err := backoff.RetryNotify(connect, backoff.WithMaxRetries(b, maxAttempts-1), notify); err != nil {
		return nil, fmt.Errorf("connect to db after %d attempts: %w", attempt, err)
	}
	log.Info("connected to database")

	if err := Prepare(db, opts, log); err != nil {
		return nil, err
	}
	DB = db
	return db, nil
}

// Prepare migrates the schema and seeds the control catalog and users.
func Prepare(db *gorm.DB, opts Options, log *zap.Logger) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := controls.SeedCatalog(db); err != nil {
		return err
	}
	if err := createDefaultAdmin(db, opts, log); err != nil {
		return err
	}
	if opts.SeedDemoUsers {
		seedDefaultUsers(db, log)
	}
	return nil
}

// createDefaultAdmin adds a global admin when none exists. Without a
// configured password a random one is generated and written once to
// opts.CredentialsOut, never to the log.
func createDefaultAdmin(db *gorm.DB, opts Options, log *zap.Logger) error {
	username, password := opts.AdminUsername, opts.AdminPassword
	if username == "" {
		username = "admin@isms.local"
	}

	var count int64
	if err := db.Model(&models.User{}).
		Where("role = ?", models.RoleAdmin).
		Count(&count).Error; err != nil {
		return fmt.Errorf("check admin user: %w", err)
	}
	if count > 0 {
		return nil
	}

	generated := password == ""
	if generated {
		password = uuid.NewString()
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash default admin password: %w", err)
	}

	admin := models.User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         models.RoleAdmin,
		Active:       true,
	}
	if err := db.Create(&admin).Error; err != nil {
		return fmt.Errorf("create default admin: %w", err)
	}

	if !generated {
		log.Info("created default admin user", zap.String("username", username))
		return nil
	}
	out := opts.CredentialsOut
	if out == nil {
		out = os.Stderr
	}
	log.Warn("created default admin user with a generated password; set ADMIN_PASSWORD to choose one",
		zap.String("username", username))
	fmt.Fprintf(out, "default admin %s password: %s\n", username, password)
	return nil
}

// seedDefaultUsers adds demo accounts for local setups.
func seedDefaultUsers(db *gorm.DB, log *zap.Logger) {
	type seedUser struct {
		Username string
		Password string
		Role     models.UserRole
	}

	users := []seedUser{
		{Username: "officer@isms.local", Password: "Officer123!", Role: models.RoleSecurityOfficer},
		{Username: "eng@isms.local", Password: "Eng123!", Role: models.RoleEngineer},
		{Username: "auditor@isms.local", Password: "Auditor123!", Role: models.RoleViewer},
	}

	for _, u := range users {
		var existing models.User
		err := db.Where("username = ?", u.Username).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("failed to check seed user", zap.String("username", u.Username), zap.Error(err))
			continue
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
		if err != nil {
			log.Warn("failed to hash seed password", zap.String("username", u.Username), zap.Error(err))
			continue
		}

		user := models.User{
			Username:     u.Username,
			PasswordHash: string(hash),
			Role:         u.Role,
			Active:       true,
		}
		if err := db.Create(&user).Error; err != nil {
			log.Warn("failed to create seed user", zap.String("username", u.Username), zap.Error(err))
			continue
		}
		log.Info("created seed user", zap.String("username", u.Username), zap.String("role", string(u.Role)))
	}
}
