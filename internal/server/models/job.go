package models

import "time"

// Job kinds and states for bulk export/import.
const (
	JobExport = "export"
	JobImport = "import"

	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// ExportImportJob tracks one batch migration unit. Independent of the
// mapping/conflict machinery but reusing the same connector and mapping
// store primitives.
type ExportImportJob struct {
	ID        string
	AccountID string
	Kind      string
	State     string

	Processed int
	Succeeded int
	Failed    int
	Skipped   int
	Total     int

	// ArchiveKey is the object-storage key of the export archive.
	ArchiveKey string

	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Percent reports job progress; 100 when Total is zero and the job is done.
func (j *ExportImportJob) Percent() float64 {
	if j.Total <= 0 {
		if j.State == JobCompleted {
			return 100
		}
		return 0
	}
	return float64(j.Processed) / float64(j.Total) * 100
}
