// Package repomanager provides a concrete RepositoryManager for PostgreSQL,
// wiring together repository constructors and database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/opsdesk/vaultsync/internal/dbx"
	"github.com/opsdesk/vaultsync/internal/server/migrations"
	"github.com/opsdesk/vaultsync/internal/server/repositories/accounts"
	"github.com/opsdesk/vaultsync/internal/server/repositories/collections"
	"github.com/opsdesk/vaultsync/internal/server/repositories/conflicts"
	"github.com/opsdesk/vaultsync/internal/server/repositories/history"
	"github.com/opsdesk/vaultsync/internal/server/repositories/items"
	"github.com/opsdesk/vaultsync/internal/server/repositories/jobs"
	"github.com/opsdesk/vaultsync/internal/server/repositories/mappings"
	"github.com/opsdesk/vaultsync/internal/server/repositories/runs"
)

type PostgresRepositoryManager struct{}

func NewPostgresRepositoryManager() *PostgresRepositoryManager {
	return &PostgresRepositoryManager{}
}

func (m *PostgresRepositoryManager) Accounts(db dbx.DBTX) accounts.Repository {
	return accounts.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Items(db dbx.DBTX) items.Repository {
	return items.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Mappings(db dbx.DBTX) mappings.Repository {
	return mappings.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Conflicts(db dbx.DBTX) conflicts.Repository {
	return conflicts.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) History(db dbx.DBTX) history.Repository {
	return history.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Runs(db dbx.DBTX) runs.Repository {
	return runs.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Collections(db dbx.DBTX) collections.Repository {
	return collections.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Jobs(db dbx.DBTX) jobs.Repository {
	return jobs.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}
