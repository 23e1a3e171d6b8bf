package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/marketloop/bondmarket/internal/domain"
)

// AdminHandler serves operational endpoints: statement archival and audit log
// inspection. These routes sit behind the API key like everything else; there
// is no separate admin credential in the demo deployment.
type AdminHandler struct {
	archiver domain.Archiver
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewAdminHandler creates an AdminHandler. archiver may be nil when blob
// storage is not configured; the archive endpoint then reports 503.
func NewAdminHandler(archiver domain.Archiver, audit domain.AuditStore, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		archiver: archiver,
		audit:    audit,
		logger:   logger,
	}
}

// archiveRequest is the JSON body for an archival run. Before defaults to the
// start of the current month when omitted.
type archiveRequest struct {
	Before string `json:"before"`
}

// TriggerArchive snapshots confirmed transactions older than the cutoff to
// blob storage.
// POST /api/admin/archive
func (h *AdminHandler) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeError(w, http.StatusServiceUnavailable, "blob storage is not configured")
		return
	}

	var body archiveRequest
	// An empty body is fine; only malformed JSON is rejected.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	before := startOfMonth(time.Now().UTC())
	if body.Before != "" {
		parsed, err := time.Parse(time.RFC3339, body.Before)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be RFC 3339")
			return
		}
		before = parsed
	}

	count, err := h.archiver.ArchiveTransactions(r.Context(), before)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "handler: archive completed",
		slog.Int64("count", count),
		slog.Time("before", before),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"archived": count,
		"before":   before.Format(time.RFC3339),
	})
}

// listAuditResponse wraps the audit log response.
type listAuditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

// ListAudit returns recent audit log entries, newest first.
// GET /api/admin/audit?limit=50&offset=0
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, listAuditResponse{Entries: entries})
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
