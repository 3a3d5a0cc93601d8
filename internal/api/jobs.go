package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/bioreactor-core/internal/automation"
)

// jobResponse is a job's health record plus its current settings.
type jobResponse struct {
	automation.JobRecord
	Settings map[string]float64 `json:"settings"`
}

type setSettingRequest struct {
	Value *float64 `json:"value"`
}

type setStateRequest struct {
	State string `json:"state"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.jobs.List()
	if jobs == nil {
		jobs = []automation.JobRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	runner, err := s.jobs.Get(chi.URLParam(r, "job"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		JobRecord: runner.Record(),
		Settings:  runner.Settings().Snapshot(),
	})
}

// handleSetSetting applies a setting through the job's command loop, so
// validation and events match a change requested over the bus.
func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	var req setSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		writeBadRequest(w, `body must be {"value": <number>}`)
		return
	}

	name := chi.URLParam(r, "job")
	runner, err := s.jobs.Get(name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	setting := chi.URLParam(r, "setting")
	if err := runner.SetSetting(r.Context(), setting, *req.Value); err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info("setting changed via API",
		"job", name,
		"setting", setting,
		"value", *req.Value,
		"subject", subjectFrom(r.Context()),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"job":     name,
		"setting": setting,
		"value":   runner.Settings().Get(setting),
	})
}

// handleSetState moves a job to sleeping, ready or terminated.
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	var req setStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	target, err := automation.ParseState(req.State)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}

	name := chi.URLParam(r, "job")
	runner, err := s.jobs.Get(name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	switch target {
	case automation.StateSleeping:
		err = runner.Sleep(r.Context())
	case automation.StateReady:
		err = runner.Resume(r.Context())
	case automation.StateTerminated:
		err = s.jobs.Stop(r.Context(), name)
	default:
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation,
			"state must be one of sleeping, ready, terminated")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info("job state changed via API",
		"job", name,
		"state", target,
		"subject", subjectFrom(r.Context()),
	)
	writeJSON(w, http.StatusOK, runner.Record())
}
