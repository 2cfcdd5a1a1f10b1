package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opsdesk/vaultsync/internal/common"
	"github.com/opsdesk/vaultsync/internal/dbx"
	"github.com/opsdesk/vaultsync/internal/logging"
	"github.com/opsdesk/vaultsync/internal/server/models"
	"github.com/opsdesk/vaultsync/internal/server/repositories/repomanager"
	"github.com/opsdesk/vaultsync/internal/server/snapshots"
)

// archiveVersion identifies the export archive encoding.
const archiveVersion = 1

// archiveEntry is one item in an export archive. Snapshots carry sealed
// handles, so the archive itself holds no plaintext secrets.
type archiveEntry struct {
	LocalItemID string              `json:"local_item_id"`
	ExternalID  string              `json:"external_id,omitempty"`
	Snapshot    models.ItemSnapshot `json:"snapshot"`
}

type archive struct {
	Version    int            `json:"version"`
	AccountID  string         `json:"account_id"`
	ExportedAt time.Time      `json:"exported_at"`
	Items      []archiveEntry `json:"items"`
}

// JobService runs bulk export and import jobs. Jobs execute asynchronously;
// the API polls their records for progress.
type JobService struct {
	db         *sql.DB
	repos      repomanager.RepositoryManager
	storage    ArchiveStorage
	presignTTL time.Duration
	logger     logging.Logger
}

func NewJobService(db *sql.DB, repos repomanager.RepositoryManager, storage ArchiveStorage,
	presignTTL time.Duration, logger logging.Logger) *JobService {
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	return &JobService{
		db:         db,
		repos:      repos,
		storage:    storage,
		presignTTL: presignTTL,
		logger:     logger.With("component", "jobs"),
	}
}

func (s *JobService) Get(ctx context.Context, id string) (*models.ExportImportJob, error) {
	return s.repos.Jobs(s.db).Get(ctx, id)
}

// DownloadURL returns a short-lived presigned URL for a completed export's
// archive.
func (s *JobService) DownloadURL(ctx context.Context, jobID string) (string, error) {
	j, err := s.repos.Jobs(s.db).Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if j.Kind != models.JobExport || j.State != models.JobCompleted || j.ArchiveKey == "" {
		return "", fmt.Errorf("%w: job %s has no downloadable archive", common.ErrValidation, jobID)
	}
	return s.storage.PresignGet(ctx, j.ArchiveKey, s.presignTTL)
}

// StartExport creates the job record and runs the export in the background.
func (s *JobService) StartExport(ctx context.Context, accountID string) (*models.ExportImportJob, error) {
	account, err := s.repos.Accounts(s.db).Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Archived {
		return nil, fmt.Errorf("%w: account %s is archived", common.ErrValidation, accountID)
	}

	j := &models.ExportImportJob{
		AccountID: accountID,
		Kind:      models.JobExport,
		State:     models.JobRunning,
		StartedAt: time.Now(),
	}
	if err := s.repos.Jobs(s.db).Create(ctx, j); err != nil {
		return nil, err
	}

	go s.runExport(context.WithoutCancel(ctx), j)
	return j, nil
}

func (s *JobService) runExport(ctx context.Context, j *models.ExportImportJob) {
	items, err := s.repos.Items(s.db).List(ctx, false)
	if err != nil {
		s.finishJob(ctx, j, err)
		return
	}
	maps, err := s.repos.Mappings(s.db).ListActive(ctx, j.AccountID)
	if err != nil {
		s.finishJob(ctx, j, err)
		return
	}
	externalByLocal := make(map[string]string, len(maps))
	for _, m := range maps {
		externalByLocal[m.LocalItemID] = m.ExternalID
	}

	arch := archive{
		Version:    archiveVersion,
		AccountID:  j.AccountID,
		ExportedAt: time.Now(),
		Items:      make([]archiveEntry, 0, len(items)),
	}
	j.Total = len(items)
	for _, it := range items {
		j.Processed++
		arch.Items = append(arch.Items, archiveEntry{
			LocalItemID: it.ID,
			ExternalID:  externalByLocal[it.ID],
			Snapshot:    it.Snapshot(),
		})
		j.Succeeded++
		s.maybeReportProgress(ctx, j)
	}

	body, err := json.Marshal(arch)
	if err != nil {
		s.finishJob(ctx, j, err)
		return
	}
	key, err := exportKey(j.AccountID)
	if err != nil {
		s.finishJob(ctx, j, err)
		return
	}
	if err := s.storage.Upload(ctx, key, body); err != nil {
		s.finishJob(ctx, j, err)
		return
	}
	j.ArchiveKey = key
	s.finishJob(ctx, j, nil)
}

// StartImport creates the job record and replays the archive in the
// background.
func (s *JobService) StartImport(ctx context.Context, accountID, archiveKey string) (*models.ExportImportJob, error) {
	if archiveKey == "" {
		return nil, fmt.Errorf("%w: archive_key is required", common.ErrValidation)
	}
	account, err := s.repos.Accounts(s.db).Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Archived {
		return nil, fmt.Errorf("%w: account %s is archived", common.ErrValidation, accountID)
	}

	j := &models.ExportImportJob{
		AccountID:  accountID,
		Kind:       models.JobImport,
		State:      models.JobRunning,
		ArchiveKey: archiveKey,
		StartedAt:  time.Now(),
	}
	if err := s.repos.Jobs(s.db).Create(ctx, j); err != nil {
		return nil, err
	}

	go s.runImport(context.WithoutCancel(ctx), j)
	return j, nil
}

// runImport materializes archive entries as local items plus pending
// mappings; the next sync run reconciles them with the remote side. Replaying
// the same archive is idempotent: entries whose external item already has a
// live mapping are skipped, and the rest upsert under their archived item
// identity instead of minting new rows.
func (s *JobService) runImport(ctx context.Context, j *models.ExportImportJob) {
	body, err := s.storage.Download(ctx, j.ArchiveKey)
	if err != nil {
		s.finishJob(ctx, j, err)
		return
	}
	var arch archive
	if err := json.Unmarshal(body, &arch); err != nil {
		s.finishJob(ctx, j, fmt.Errorf("%w: decode archive: %w", common.ErrValidation, err))
		return
	}
	if arch.Version != archiveVersion {
		s.finishJob(ctx, j, fmt.Errorf("%w: unsupported archive version %d", common.ErrValidation, arch.Version))
		return
	}

	j.Total = len(arch.Items)
	for _, entry := range arch.Items {
		j.Processed++
		if err := s.importEntry(ctx, j.AccountID, entry); err != nil {
			if errors.Is(err, errEntrySkipped) {
				j.Skipped++
			} else {
				j.Failed++
				s.logger.Warn(ctx, "import entry failed",
					"job_id", j.ID, "external_id", entry.ExternalID, "error", err)
			}
		} else {
			j.Succeeded++
		}
		s.maybeReportProgress(ctx, j)
	}
	s.finishJob(ctx, j, nil)
}

var errEntrySkipped = errors.New("entry skipped")

func (s *JobService) importEntry(ctx context.Context, accountID string, entry archiveEntry) error {
	if entry.ExternalID != "" {
		_, err := s.repos.Mappings(s.db).FindByExternal(ctx, accountID, entry.ExternalID)
		if err == nil {
			return errEntrySkipped
		}
		if !errors.Is(err, common.ErrorNotFound) {
			return err
		}
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		// The archived item identity is kept so replaying the same archive
		// upserts the existing row instead of minting a duplicate.
		item := &models.VaultItem{ID: entry.LocalItemID}
		snapshots.ApplyToItem(item, entry.Snapshot)
		if err := s.repos.Items(tx).Upsert(ctx, item); err != nil {
			return err
		}
		if entry.ExternalID == "" {
			return nil
		}
		return s.repos.Mappings(tx).Upsert(ctx, &models.SyncMapping{
			AccountID:    accountID,
			LocalItemID:  item.ID,
			ExternalID:   entry.ExternalID,
			Status:       models.MappingPending,
			BaseSnapshot: entry.Snapshot,
		})
	})
}

func (s *JobService) maybeReportProgress(ctx context.Context, j *models.ExportImportJob) {
	if j.Processed%100 != 0 {
		return
	}
	if err := s.repos.Jobs(s.db).UpdateProgress(ctx, j); err != nil {
		s.logger.Warn(ctx, "failed to report job progress", "job_id", j.ID, "error", err)
	}
}

func (s *JobService) finishJob(ctx context.Context, j *models.ExportImportJob, jobErr error) {
	now := time.Now()
	j.FinishedAt = &now
	if jobErr != nil {
		j.State = models.JobFailed
		j.Error = jobErr.Error()
		s.logger.Error(ctx, "job failed", "job_id", j.ID, "kind", j.Kind, "error", jobErr)
	} else {
		j.State = models.JobCompleted
		s.logger.Info(ctx, "job completed",
			"job_id", j.ID, "kind", j.Kind,
			"processed", j.Processed, "succeeded", j.Succeeded,
			"failed", j.Failed, "skipped", j.Skipped)
	}
	if err := s.repos.Jobs(s.db).Finish(ctx, j); err != nil {
		s.logger.Error(ctx, "failed to finalize job record", "job_id", j.ID, "error", err)
	}
}

// exportKey builds a date-partitioned random object key so archive names are
// not guessable.
func exportKey(accountID string) (string, error) {
	suffix, err := common.MakeRandHexString(16)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("exports/%s/%s/%s.json", accountID, time.Now().UTC().Format("2006/01/02"), suffix), nil
}
