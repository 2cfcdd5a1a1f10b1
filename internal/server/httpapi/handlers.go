package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/opsdesk/vaultsync/internal/common"
	"github.com/opsdesk/vaultsync/internal/server/models"
	"github.com/opsdesk/vaultsync/internal/server/repositories/history"
	"github.com/opsdesk/vaultsync/internal/server/services"
)

// accountRequest is the administrator-facing account payload. The client
// secret appears here exactly once, on create or rotation, and is sealed
// before it reaches storage.
type accountRequest struct {
	Name              string   `json:"name"`
	ServerURL         string   `json:"server_url"`
	OrganizationID    string   `json:"organization_id"`
	ClientID          string   `json:"client_id"`
	ClientSecret      string   `json:"client_secret"`
	CollectionFilter  []string `json:"collection_filter"`
	Direction         string   `json:"direction"`
	ConflictPolicy    string   `json:"conflict_policy"`
	SyncIntervalHours int      `json:"sync_interval_hours"`
	RequireMFAToSync  bool     `json:"require_mfa_to_sync"`
}

func (in accountRequest) toInput() services.AccountInput {
	return services.AccountInput{
		Name:              in.Name,
		ServerURL:         in.ServerURL,
		OrganizationID:    in.OrganizationID,
		ClientID:          in.ClientID,
		ClientSecret:      in.ClientSecret,
		CollectionFilter:  in.CollectionFilter,
		Direction:         models.SyncDirection(in.Direction),
		Policy:            models.ConflictPolicy(in.ConflictPolicy),
		SyncIntervalHours: in.SyncIntervalHours,
		RequireMFAToSync:  in.RequireMFAToSync,
	}
}

// accountResponse deliberately omits the sealed client-secret handle; the
// control API has no read path for credentials, sealed or not.
type accountResponse struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	ServerURL         string     `json:"server_url"`
	OrganizationID    string     `json:"organization_id,omitempty"`
	ClientID          string     `json:"client_id"`
	CollectionFilter  []string   `json:"collection_filter,omitempty"`
	Direction         string     `json:"direction"`
	ConflictPolicy    string     `json:"conflict_policy"`
	SyncIntervalHours int        `json:"sync_interval_hours"`
	RequireMFAToSync  bool       `json:"require_mfa_to_sync"`
	LastSync          *time.Time `json:"last_sync,omitempty"`
	LastSyncStatus    string     `json:"last_sync_status,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func toAccountResponse(a *models.VaultServerAccount) accountResponse {
	return accountResponse{
		ID:                a.ID,
		Name:              a.Name,
		ServerURL:         a.ServerURL,
		OrganizationID:    a.OrganizationID,
		ClientID:          a.ClientID,
		CollectionFilter:  a.CollectionFilter,
		Direction:         string(a.Direction),
		ConflictPolicy:    string(a.Policy),
		SyncIntervalHours: a.SyncIntervalHours,
		RequireMFAToSync:  a.RequireMFAToSync,
		LastSync:          a.LastSync,
		LastSyncStatus:    a.LastSyncStatus,
		LastError:         a.LastError,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

type runResponse struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	State          string     `json:"state"`
	ItemsProcessed int        `json:"items_processed"`
	Succeeded      int        `json:"succeeded"`
	Failed         int        `json:"failed"`
	Skipped        int        `json:"skipped"`
	Conflicts      int        `json:"conflicts"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

func toRunResponse(r *models.SyncRun) runResponse {
	return runResponse{
		ID:             r.ID,
		AccountID:      r.AccountID,
		State:          r.State,
		ItemsProcessed: r.ItemsProcessed,
		Succeeded:      r.Succeeded,
		Failed:         r.Failed,
		Skipped:        r.Skipped,
		Conflicts:      r.Conflicts,
		Error:          r.Error,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}

type conflictResponse struct {
	ID                  string               `json:"id"`
	MappingID           string               `json:"mapping_id"`
	AccountID           string               `json:"account_id"`
	LocalItemID         string               `json:"local_item_id"`
	ExternalID          string               `json:"external_id"`
	Classification      string               `json:"classification"`
	Status              string               `json:"status"`
	LocalSnapshot       models.ItemSnapshot  `json:"local_snapshot"`
	RemoteSnapshot      models.ItemSnapshot  `json:"remote_snapshot"`
	LocalModifiedAt     time.Time            `json:"local_modified_at"`
	RemoteModifiedAt    time.Time            `json:"remote_modified_at"`
	LocalChangedFields  []string             `json:"local_changed_fields,omitempty"`
	RemoteChangedFields []string             `json:"remote_changed_fields,omitempty"`
	Resolution          string               `json:"resolution,omitempty"`
	ResolvedSnapshot    *models.ItemSnapshot `json:"resolved_snapshot,omitempty"`
	ResolvedBy          string               `json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time           `json:"resolved_at,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
}

func toConflictResponse(c *models.Conflict) conflictResponse {
	return conflictResponse{
		ID:                  c.ID,
		MappingID:           c.MappingID,
		AccountID:           c.AccountID,
		LocalItemID:         c.LocalItemID,
		ExternalID:          c.ExternalID,
		Classification:      string(c.Classification),
		Status:              string(c.Status),
		LocalSnapshot:       c.LocalSnapshot,
		RemoteSnapshot:      c.RemoteSnapshot,
		LocalModifiedAt:     c.LocalModifiedAt,
		RemoteModifiedAt:    c.RemoteModifiedAt,
		LocalChangedFields:  c.LocalChangedFields,
		RemoteChangedFields: c.RemoteChangedFields,
		Resolution:          c.Resolution,
		ResolvedSnapshot:    c.ResolvedSnapshot,
		ResolvedBy:          c.ResolvedBy,
		ResolvedAt:          c.ResolvedAt,
		CreatedAt:           c.CreatedAt,
	}
}

type historyResponse struct {
	ID          string               `json:"id"`
	AccountID   string               `json:"account_id"`
	RunID       string               `json:"run_id,omitempty"`
	MappingID   string               `json:"mapping_id,omitempty"`
	LocalItemID string               `json:"local_item_id,omitempty"`
	ExternalID  string               `json:"external_id,omitempty"`
	Action      string               `json:"action"`
	Status      string               `json:"status"`
	Error       string               `json:"error,omitempty"`
	Before      *models.ItemSnapshot `json:"before,omitempty"`
	After       *models.ItemSnapshot `json:"after,omitempty"`
	DurationMS  int64                `json:"duration_ms"`
	CreatedAt   time.Time            `json:"created_at"`
}

func toHistoryResponse(e *models.SyncHistoryEntry) historyResponse {
	return historyResponse{
		ID:          e.ID,
		AccountID:   e.AccountID,
		RunID:       e.RunID,
		MappingID:   e.MappingID,
		LocalItemID: e.LocalItemID,
		ExternalID:  e.ExternalID,
		Action:      e.Action,
		Status:      e.Status,
		Error:       e.Error,
		Before:      e.Before,
		After:       e.After,
		DurationMS:  e.Duration.Milliseconds(),
		CreatedAt:   e.CreatedAt,
	}
}

type jobResponse struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	Kind       string     `json:"kind"`
	State      string     `json:"state"`
	Processed  int        `json:"processed"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	Total      int        `json:"total"`
	Percent    float64    `json:"percent"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func toJobResponse(j *models.ExportImportJob) jobResponse {
	return jobResponse{
		ID:         j.ID,
		AccountID:  j.AccountID,
		Kind:       j.Kind,
		State:      j.State,
		Processed:  j.Processed,
		Succeeded:  j.Succeeded,
		Failed:     j.Failed,
		Skipped:    j.Skipped,
		Total:      j.Total,
		Percent:    j.Percent(),
		Error:      j.Error,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := s.accounts.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]accountResponse, 0, len(list))
	for _, a := range list {
		out = append(out, toAccountResponse(a))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var in accountRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", common.ErrValidation, err))
		return
	}
	a, err := s.accounts.Create(r.Context(), in.toInput())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toAccountResponse(a))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.accounts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toAccountResponse(a))
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var in accountRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", common.ErrValidation, err))
		return
	}
	a, err := s.accounts.Update(r.Context(), mux.Vars(r)["id"], in.toInput())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toAccountResponse(a))
}

func (s *Server) handleArchiveAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.Archive(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunAccount triggers a sync run. Accounts flagged require_mfa_to_sync
// only accept triggers from tokens carrying the mfa claim.
func (s *Server) handleRunAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	a, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if a.RequireMFAToSync {
		claims := claimsFrom(r.Context())
		if claims == nil || !claims.MFA {
			s.writeError(w, r, fmt.Errorf("%w: account %s requires an mfa token", common.ErrMFARequired, id))
			return
		}
	}

	run, err := s.runner.RunAccount(r.Context(), id, "manual")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.accounts.Runs(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	list, err := s.conflicts.List(r.Context(), mux.Vars(r)["id"],
		models.ConflictStatus(q.Get("status")), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]conflictResponse, 0, len(list))
	for _, c := range list {
		out = append(out, toConflictResponse(c))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := s.conflicts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toConflictResponse(c))
}

type resolveRequest struct {
	Choice         string               `json:"choice"`
	CustomSnapshot *models.ItemSnapshot `json:"customSnapshot,omitempty"`
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var in resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", common.ErrValidation, err))
		return
	}
	c, err := s.conflicts.Resolve(r.Context(), mux.Vars(r)["id"], in.Choice, in.CustomSnapshot, resolvedBy(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toConflictResponse(c))
}

func (s *Server) handleIgnoreConflict(w http.ResponseWriter, r *http.Request) {
	if err := s.conflicts.Ignore(r.Context(), mux.Vars(r)["id"], resolvedBy(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := history.Filter{
		Action: q.Get("action"),
		Status: q.Get("status"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: from: %w", common.ErrValidation, err))
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: to: %w", common.ErrValidation, err))
			return
		}
		f.To = t
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	entries, err := s.history.List(r.Context(), mux.Vars(r)["id"], f, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]historyResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toHistoryResponse(e))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStartExport(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.StartExport(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, toJobResponse(j))
}

type importRequest struct {
	ArchiveKey string `json:"archive_key"`
}

func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	var in importRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", common.ErrValidation, err))
		return
	}
	j, err := s.jobs.StartImport(r.Context(), mux.Vars(r)["id"], in.ArchiveKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, toJobResponse(j))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toJobResponse(j))
}

func (s *Server) handleJobDownload(w http.ResponseWriter, r *http.Request) {
	url, err := s.jobs.DownloadURL(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}

// resolvedBy attributes a manual action to the token's subject.
func resolvedBy(r *http.Request) string {
	if claims := claimsFrom(r.Context()); claims != nil {
		return claims.Subject
	}
	return ""
}
