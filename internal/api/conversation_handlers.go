// Package api provides conversation browsing handlers for Pestline endpoints.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pestline/pestline/internal/models"
)

// listConversationsHandler handles GET /conversations?q=
func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.listConversationsHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query().Get("q")
	summaries, err := s.st.ListConversations(query)
	if err != nil {
		slog.Error("Server.listConversationsHandler: query failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list conversations"))
		return
	}
	slog.Debug("Server.listConversationsHandler: conversations fetched", "count", len(summaries))
	writeJSONResponse(w, http.StatusOK, models.Success(summaries))
}

// conversationRouter dispatches /conversations/{phone} and
// /conversations/{phone}/export.
func (s *Server) conversationRouter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/conversations/")
	segments := strings.Split(strings.Trim(path, "/"), "/")

	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Missing phone number"))
		return
	}

	phone, err := s.msgService.ValidateAndCanonicalizeRecipient(segments[0])
	if err != nil {
		slog.Warn("Server.conversationRouter: invalid phone", "error", err, "phone", segments[0])
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number: "+err.Error()))
		return
	}

	switch {
	case len(segments) == 1:
		s.getConversationHandler(w, r, phone)
	case len(segments) == 2 && segments[1] == "export":
		s.exportConversationHandler(w, r, phone)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown conversation endpoint"))
	}
}

// getConversationHandler handles GET /conversations/{phone}
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request, phone string) {
	slog.Debug("Server.getConversationHandler invoked", "phone", phone)

	messages, err := s.st.GetConversation(phone)
	if err != nil {
		slog.Error("Server.getConversationHandler: query failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messages))
}

// exportConversationHandler handles GET /conversations/{phone}/export and
// returns the transcript as plain text, one line per message.
func (s *Server) exportConversationHandler(w http.ResponseWriter, r *http.Request, phone string) {
	slog.Debug("Server.exportConversationHandler invoked", "phone", phone)

	messages, err := s.st.GetConversation(phone)
	if err != nil {
		slog.Error("Server.exportConversationHandler: query failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch conversation"))
		return
	}

	var b strings.Builder
	for _, msg := range messages {
		role := "user"
		if msg.Direction == models.MessageDirectionOutbound {
			role = "assistant"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", msg.SentAt.UTC().Format(time.RFC3339), role, msg.Body)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(b.String())); err != nil {
		slog.Error("Server.exportConversationHandler: write failed", "error", err, "phone", phone)
	}
}
