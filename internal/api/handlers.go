package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"scenariomaker/internal/registry"
	"scenariomaker/internal/scenario"
)

type createClientRequest struct {
	ClientID string `json:"client_id"`
}

type createClientResponse struct {
	ClientID     string `json:"client_id"`
	WebsocketURL string `json:"websocket_url"`
	GenerateURL  string `json:"generate_url"`
	StatusURL    string `json:"status_url"`
}

type statusResponse struct {
	ClientID        string                  `json:"client_id"`
	Busy            bool                    `json:"busy"`
	CreatedAt       time.Time               `json:"created_at"`
	SubscriberCount int                     `json:"subscriber_count"`
	Progress        *scenario.ProgressEvent `json:"progress,omitempty"`
	Result          *scenario.Result        `json:"result,omitempty"`
}

// createClient registers a client session, generating an ID when the caller
// does not supply one. Re-posting an existing ID returns the same session.
func (s *Server) createClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	client, err := s.reg.GetOrCreate(req.ClientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create client")
		return
	}
	writeJSON(w, http.StatusOK, createClientResponse{
		ClientID:     client.ID,
		WebsocketURL: fmt.Sprintf("/api/v2/ws/progress/%s", client.ID),
		GenerateURL:  fmt.Sprintf("/api/v2/generate/%s", client.ID),
		StatusURL:    fmt.Sprintf("/api/v2/status/%s", client.ID),
	})
}

// startGeneration accepts a run for the client unless one is already in
// flight. Acceptance means the pipeline runs in the background; progress
// arrives over the websocket.
func (s *Server) startGeneration(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	var req scenario.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.RepoPath == "" {
		writeError(w, http.StatusBadRequest, "repo_path is required")
		return
	}
	if err := s.runner.Start(clientID, req); err != nil {
		if errors.Is(err, registry.ErrBusy) {
			writeError(w, http.StatusConflict, "generation already in progress for this client")
			return
		}
		s.logger.Error("generation start failed",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to start generation")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":       "scenario generation started",
		"client_id":     clientID,
		"websocket_url": fmt.Sprintf("/api/v2/ws/progress/%s", clientID),
	})
}

// clientStatus reports the client's lifecycle snapshot, including the latest
// progress event and the result once one exists.
func (s *Server) clientStatus(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	client, err := s.reg.Get(clientID)
	if err != nil {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}
	resp := statusResponse{
		ClientID:        client.ID,
		Busy:            client.Busy(),
		CreatedAt:       client.CreatedAt,
		SubscriberCount: client.SubscriberCount(),
	}
	if evt, ok := client.Latest(); ok {
		resp.Progress = &evt
	}
	if res, ok := client.Result(); ok {
		resp.Result = &res
	}
	writeJSON(w, http.StatusOK, resp)
}

// runCleanup triggers one eviction sweep immediately.
func (s *Server) runCleanup(w http.ResponseWriter, _ *http.Request) {
	stats := s.sweeper.Sweep()
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "cleanup completed",
		"before":  stats.Before,
		"after":   stats.After,
		"removed": stats.Removed,
	})
}

// configInfo exposes the non-sensitive generation settings.
func (s *Server) configInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"model":           s.cfg.Generation.Model,
		"timeout_seconds": s.cfg.Generation.TimeoutSeconds,
		"base_revision":   s.cfg.Generation.BaseRevision,
		"rag_enabled":     s.cfg.RAG.Enabled,
	})
}
