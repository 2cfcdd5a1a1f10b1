package jobs

import (
	"context"

	"github.com/opsdesk/vaultsync/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, j *models.ExportImportJob) error

	// UpdateProgress persists the job's counters mid-flight.
	UpdateProgress(ctx context.Context, j *models.ExportImportJob) error

	// Finish writes the terminal state, counters and archive key.
	Finish(ctx context.Context, j *models.ExportImportJob) error

	Get(ctx context.Context, id string) (*models.ExportImportJob, error)
}
