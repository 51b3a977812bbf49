// Package api provides the bulk re-engagement trigger endpoint.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/pestline/pestline/internal/models"
)

// reachOutRequest is the POST /reachout body.
type reachOutRequest struct {
	Recipients []map[string]interface{} `json:"recipients"`
	Template   string                   `json:"template,omitempty"`
}

// reachOutHandler handles POST /reachout: runs a bulk re-engagement send and
// returns the run's aggregate counts.
func (s *Server) reachOutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.reachOutHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req reachOutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.reachOutHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if len(req.Recipients) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: recipients"))
		return
	}

	run, err := s.reachOut.SendBulk(r.Context(), req.Recipients, req.Template)
	if err != nil {
		slog.Error("Server.reachOutHandler: run failed", "error", err, "runID", run.RunID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Reach-out run failed"))
		return
	}

	slog.Info("Server.reachOutHandler: run completed", "runID", run.RunID, "sent", run.Sent)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Reach-out run completed", run))
}
