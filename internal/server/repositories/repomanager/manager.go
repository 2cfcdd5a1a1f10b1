package repomanager

import (
	"context"
	"database/sql"

	"github.com/opsdesk/vaultsync/internal/dbx"
	"github.com/opsdesk/vaultsync/internal/server/repositories/accounts"
	"github.com/opsdesk/vaultsync/internal/server/repositories/collections"
	"github.com/opsdesk/vaultsync/internal/server/repositories/conflicts"
	"github.com/opsdesk/vaultsync/internal/server/repositories/history"
	"github.com/opsdesk/vaultsync/internal/server/repositories/items"
	"github.com/opsdesk/vaultsync/internal/server/repositories/jobs"
	"github.com/opsdesk/vaultsync/internal/server/repositories/mappings"
	"github.com/opsdesk/vaultsync/internal/server/repositories/runs"
)

// RepositoryManager vends repository implementations bound to a DBTX, so
// services can run several repositories inside one transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Accounts(db dbx.DBTX) accounts.Repository
	Items(db dbx.DBTX) items.Repository
	Mappings(db dbx.DBTX) mappings.Repository
	Conflicts(db dbx.DBTX) conflicts.Repository
	History(db dbx.DBTX) history.Repository
	Runs(db dbx.DBTX) runs.Repository
	Collections(db dbx.DBTX) collections.Repository
	Jobs(db dbx.DBTX) jobs.Repository
}
