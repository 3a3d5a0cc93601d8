package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/bioreactor-core/internal/cluster"
)

type broadcastRequest struct {
	Job     string   `json:"job"`
	Setting string   `json:"setting"`
	Value   *float64 `json:"value"`
}

func (s *Server) handleGetCluster(w http.ResponseWriter, _ *http.Request) {
	if s.cluster == nil {
		writeUnavailable(w, "cluster coordination is not running")
		return
	}
	writeJSON(w, http.StatusOK, s.cluster.Snapshot())
}

// handleMembership submits a membership command on behalf of this unit.
func (s *Server) handleMembership(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		writeUnavailable(w, "cluster coordination is not running")
		return
	}

	var cmd cluster.MembershipCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.cluster.SubmitMembership(r.Context(), cmd); err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info("membership command submitted via API",
		"unit", cmd.Unit,
		"enabled", cmd.Enabled,
		"role", cmd.Role,
		"subject", subjectFrom(r.Context()),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "submitted"})
}

// handleBroadcast sends a setting change to every unit. Only the active
// leader may broadcast.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		writeUnavailable(w, "cluster coordination is not running")
		return
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		writeBadRequest(w, `body must be {"job": ..., "setting": ..., "value": <number>}`)
		return
	}
	if err := s.cluster.BroadcastSetting(r.Context(), req.Job, req.Setting, *req.Value); err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info("setting broadcast via API",
		"job", req.Job,
		"setting", req.Setting,
		"value", *req.Value,
		"subject", subjectFrom(r.Context()),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "broadcast"})
}
