// Package httpapi exposes the control API: account administration, run
// triggers, conflict review, history queries, bulk jobs and the live event
// stream. It never serves credential plaintext; snapshots cross this surface
// as sealed handles.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/opsdesk/vaultsync/internal/common"
	"github.com/opsdesk/vaultsync/internal/logging"
	"github.com/opsdesk/vaultsync/internal/server/models"
	"github.com/opsdesk/vaultsync/internal/server/repositories/history"
	"github.com/opsdesk/vaultsync/internal/server/services"
)

// SyncRunner triggers sync runs. Implemented by the orchestrator.
type SyncRunner interface {
	RunAccount(ctx context.Context, accountID, trigger string) (*models.SyncRun, error)
}

// AccountAdmin is the account-administration surface of the services layer.
type AccountAdmin interface {
	Create(ctx context.Context, in services.AccountInput) (*models.VaultServerAccount, error)
	Update(ctx context.Context, id string, in services.AccountInput) (*models.VaultServerAccount, error)
	Get(ctx context.Context, id string) (*models.VaultServerAccount, error)
	List(ctx context.Context) ([]*models.VaultServerAccount, error)
	Archive(ctx context.Context, id string) error
	Runs(ctx context.Context, accountID string, limit int) ([]*models.SyncRun, error)
}

// ConflictAdmin is the conflict-review surface of the services layer.
type ConflictAdmin interface {
	List(ctx context.Context, accountID string, status models.ConflictStatus, limit, offset int) ([]*models.Conflict, error)
	Get(ctx context.Context, id string) (*models.Conflict, error)
	Resolve(ctx context.Context, conflictID, choice string, custom *models.ItemSnapshot, resolvedBy string) (*models.Conflict, error)
	Ignore(ctx context.Context, conflictID, resolvedBy string) error
}

// HistoryReader answers audit queries.
type HistoryReader interface {
	List(ctx context.Context, accountID string, f history.Filter, limit, offset int) ([]*models.SyncHistoryEntry, error)
}

// JobAdmin starts and inspects bulk export/import jobs.
type JobAdmin interface {
	StartExport(ctx context.Context, accountID string) (*models.ExportImportJob, error)
	StartImport(ctx context.Context, accountID, archiveKey string) (*models.ExportImportJob, error)
	Get(ctx context.Context, id string) (*models.ExportImportJob, error)
	DownloadURL(ctx context.Context, jobID string) (string, error)
}

type Server struct {
	accounts  AccountAdmin
	conflicts ConflictAdmin
	history   HistoryReader
	jobs      JobAdmin
	runner    SyncRunner
	hub       *Hub
	secretKey []byte
	logger    logging.Logger
}

func NewServer(accounts AccountAdmin, conflicts ConflictAdmin, hist HistoryReader, jobs JobAdmin,
	runner SyncRunner, hub *Hub, secretKey []byte, logger logging.Logger) *Server {
	return &Server{
		accounts:  accounts,
		conflicts: conflicts,
		history:   hist,
		jobs:      jobs,
		runner:    runner,
		hub:       hub,
		secretKey: secretKey,
		logger:    logger.With("component", "httpapi"),
	}
}

// Router builds the full route table. Everything under /sync requires a
// bearer token; /healthz does not.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/sync").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/accounts", s.handleListAccounts).Methods(http.MethodGet)
	api.HandleFunc("/accounts", s.handleCreateAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}", s.handleUpdateAccount).Methods(http.MethodPut)
	api.HandleFunc("/accounts/{id}", s.handleArchiveAccount).Methods(http.MethodDelete)
	api.HandleFunc("/accounts/{id}/run", s.handleRunAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/runs", s.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/conflicts", s.handleListConflicts).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/history", s.handleListHistory).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/export", s.handleStartExport).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/import", s.handleStartImport).Methods(http.MethodPost)
	api.HandleFunc("/conflicts/{id}", s.handleGetConflict).Methods(http.MethodGet)
	api.HandleFunc("/conflicts/{id}/resolve", s.handleResolveConflict).Methods(http.MethodPost)
	api.HandleFunc("/conflicts/{id}/ignore", s.handleIgnoreConflict).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/download", s.handleJobDownload).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(context.Background(), "failed to encode response", "error", err)
	}
}

// writeError maps the shared sentinel errors to HTTP statuses. Error text is
// returned verbatim: it never contains secret material because everything
// below the crypto boundary works with handles.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrorNotFound):
		status = http.StatusNotFound
	case errors.Is(err, common.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, common.ErrRunInProgress):
		status = http.StatusConflict
	case errors.Is(err, common.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, common.ErrMFARequired):
		status = http.StatusForbidden
	case errors.Is(err, common.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, common.ErrAuth):
		status = http.StatusBadGateway
	case errors.Is(err, common.ErrConnector), errors.Is(err, common.ErrTransient):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
