package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fleetstate/internal/model"
)

// Repo is the document-store gateway. All materialized collections live
// behind it; in-process structures are transient views built per request.
type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(
		&model.TransactionRow{},
		&model.Device{},
		&model.Node{},
		&model.Accumulator{},
		&model.HourlyAggregate{},
		&model.Relay{},
		&model.UserConfig{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Repo{db: db}, nil
}

// Atomic runs fn inside one storage transaction. Every write fn performs
// through the derived repo commits or rolls back as a unit, so a consumer
// never observes a half-applied transaction.
func (r *Repo) Atomic(ctx context.Context, fn func(*Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

// ResetMaterialized empties the log-derived collections before a full
// replay. Accumulators are kept: their buffered readings only exist there
// until an hourly commit lands in the log, so wiping them would lose data.
func (r *Repo) ResetMaterialized(ctx context.Context) error {
	for _, m := range []any{
		&model.Device{},
		&model.Node{},
		&model.HourlyAggregate{},
		&model.UserConfig{},
	} {
		if err := r.db.WithContext(ctx).Where("1 = 1").Delete(m).Error; err != nil {
			return err
		}
	}
	return nil
}
