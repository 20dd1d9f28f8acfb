package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/lanesync/lanesync/internal/engine"
	"github.com/lanesync/lanesync/internal/model"
	"github.com/lanesync/lanesync/internal/store"
)

// errorBody is the JSON shape of every non-200 response.
type errorBody struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, status string, err error) {
	body := errorBody{Status: status}
	if err != nil {
		body.Error = err.Error()
	}
	s.writeJSON(w, code, body)
}

// handlePush accepts a batch of change records from a peer. The batch
// is always accepted as a whole; per-record rejections and conflicts
// show up in the result breakdown, not the HTTP status.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var batch []model.ChangeRecord
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid", err)
		return
	}

	fromNode := r.Header.Get("X-Node-ID")
	result, err := s.engine.ApplyChanges(r.Context(), fromNode, batch)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "error", err)
		return
	}

	s.writeJSON(w, http.StatusOK, model.PushResponse{
		Status: "synced",
		NodeID: s.engine.NodeID(),
		Result: result,
	})
}

// handlePull serves local change log records after the caller's
// cursor. The body is a bare array of change records; pagination and
// the serving node's identity ride in the X-Has-More and X-Node-ID
// headers so the body format never changes shape.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var (
		since int64
		limit int
		err   error
	)
	if raw := r.URL.Query().Get("since"); raw != "" {
		if since, err = strconv.ParseInt(raw, 10, 64); err != nil || since < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid", err)
			return
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid", err)
			return
		}
	}

	changes, hasMore, err := s.engine.Changes(r.Context(), since, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "error", err)
		return
	}
	if changes == nil {
		changes = []model.ChangeRecord{}
	}

	w.Header().Set("X-Has-More", strconv.FormatBool(hasMore))
	w.Header().Set("X-Node-ID", s.engine.NodeID())
	s.writeJSON(w, http.StatusOK, changes)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.engine.Progress(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "error", err)
		return
	}
	s.writeJSON(w, http.StatusOK, progress)
}

// handleTrigger starts a sync cycle. A cycle already in flight is a
// 409, not an error: the caller's intent is already being served.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	switch err := s.engine.SyncNow(r.Context()); err {
	case nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "started",
			"node_id": s.engine.NodeID(),
		})
	case engine.ErrBusy:
		s.writeError(w, http.StatusConflict, "busy", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "error", err)
	}
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.engine.Conflicts(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "error", err)
		return
	}
	if conflicts == nil {
		conflicts = []model.PendingConflict{}
	}
	s.writeJSON(w, http.StatusOK, conflicts)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req model.ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid", err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid", err)
		return
	}

	switch err := s.engine.Resolve(r.Context(), req); err {
	case nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	case store.ErrNotFound:
		s.writeError(w, http.StatusNotFound, "not_found", err)
	case store.ErrAlreadyResolved:
		s.writeError(w, http.StatusConflict, "already_resolved", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "error", err)
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.engine.Devices(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "error", err)
		return
	}
	if devices == nil {
		devices = []model.PeerDevice{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

// handlePair registers a remote terminal. Validation and reachability
// failures are configuration errors answered synchronously.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req model.PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid", err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid", err)
		return
	}

	peer, err := s.engine.Pair(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "unreachable", err)
		return
	}
	s.writeJSON(w, http.StatusOK, peer)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status()
	code := http.StatusOK
	health := "ok"
	if !status.Healthy {
		code = http.StatusServiceUnavailable
		health = "degraded"
	}
	s.writeJSON(w, code, map[string]any{
		"status":  health,
		"node_id": status.NodeID,
	})
}
