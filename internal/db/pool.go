package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/field-readings/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// Pool is an alias for pgxpool.Pool
type Pool = pgxpool.Pool

// NewPool creates a new PostgreSQL connection pool. With AutoMigrate set the
// embedded schema is applied once the database is reachable.
func NewPool(lc fx.Lifecycle, logger *zap.Logger, settings config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(settings)
	if err != nil {
		return nil, err
	}
	target := describe(poolCfg)
	logger.Info("initializing database connection pool", target...)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to create connection pool: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("attempting to connect to database...")
			if err := pool.Ping(ctx); err != nil {
				logger.Error("database ping failed", append(target, zap.Error(err))...)
				return fmt.Errorf("[DATABASE CONNECTION FAILED] cannot reach database. Please check: 1) Database is running, 2) DATABASE_URL is correct, 3) Network/firewall allows connection. Error: %w", err)
			}
			logger.Info("database connection established successfully")

			if settings.AutoMigrate {
				if err := Migrate(ctx, pool); err != nil {
					return err
				}
				logger.Info("database schema applied")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pool.Close()
			logger.Info("database connection closed")
			return nil
		},
	})

	return pool, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("[DATABASE] failed to apply schema: %w", err)
	}
	return nil
}

func poolConfig(settings config.DatabaseConfig) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to parse database URL: %w", err)
	}
	if settings.MaxConns > 0 {
		cfg.MaxConns = settings.MaxConns
	}
	if settings.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = settings.MaxConnIdleTime
	}
	return cfg, nil
}

// describe returns loggable connection fields; the password never leaves the config
func describe(cfg *pgxpool.Config) []zap.Field {
	return []zap.Field{
		zap.String("db_host", cfg.ConnConfig.Host),
		zap.Uint16("db_port", cfg.ConnConfig.Port),
		zap.String("db_name", cfg.ConnConfig.Database),
		zap.String("db_user", cfg.ConnConfig.User),
		zap.Int32("max_conns", cfg.MaxConns),
	}
}
