package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Open connects to the database described by driver and dsn.
// SQLite is used for development and tests, MySQL and Postgres in production.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	dialector, err := dialectorFor(driver, dsn)
	if err != nil {
		return nil, err
	}

	cfg := &gorm.Config{}
	if logger != nil {
		cfg.Logger = NewLogger(logger, 200*time.Millisecond)
	} else {
		cfg.Logger = gormlogger.Discard
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	return db, nil
}

func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case DriverSQLite, "sqlite3", "":
		return sqlite.Open(dsn), nil
	case DriverMySQL:
		cfg, err := mysqldriver.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		// Timestamps are scanned into time.Time.
		cfg.ParseTime = true
		if cfg.Loc == nil {
			cfg.Loc = time.UTC
		}
		return mysql.New(mysql.Config{DSN: cfg.FormatDSN()}), nil
	case DriverPostgres, "postgresql", "pgx":
		cfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		return postgres.New(postgres.Config{Conn: stdlib.OpenDB(*cfg)}), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

type txKey struct{}

// Transaction runs fn inside a transaction. The transaction is carried on the
// context passed to fn so helpers that call Use join it. If ctx already carries
// a transaction, fn runs inside that one.
func Transaction(ctx context.Context, db *gorm.DB, fn func(ctx context.Context, tx *gorm.DB) error) error {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx, tx)
	}

	var opts []*sql.TxOptions
	if db.Dialector.Name() != DriverSQLite {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx), tx)
	}, opts...)
}

// Use returns the transaction carried by ctx, or db bound to ctx when there is none.
func Use(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return db.WithContext(ctx)
}

// InTransaction reports whether ctx carries a transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*gorm.DB)
	return ok
}
