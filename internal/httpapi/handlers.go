package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/openagency/agencyd/internal/store"
)

// ---- hub ----

func (s *Server) handleListAgencies(w http.ResponseWriter, r *http.Request) {
	agencies, err := s.hub.Catalog().ListAgencies(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agencies": agencies})
}

func (s *Server) handleCreateAgency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !store.ValidName(req.Name) {
		writeError(w, http.StatusBadRequest, "agency name must match ^[A-Za-z0-9_-]+$")
		return
	}
	a, err := s.hub.CreateAgency(r.Context(), req.Name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleDeleteAgency(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.DeleteAgency(r.Context(), r.PathValue("agency")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ---- blueprints ----

func (s *Server) handleListBlueprints(w http.ResponseWriter, r *http.Request) {
	bps, err := s.hub.Catalog().ListBlueprints(r.Context(), r.PathValue("agency"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blueprints": bps})
}

func (s *Server) handlePutBlueprint(w http.ResponseWriter, r *http.Request) {
	var bp store.Blueprint
	if !decodeBody(w, r, &bp) {
		return
	}
	if err := bp.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.hub.Catalog().PutBlueprint(r.Context(), r.PathValue("agency"), &bp); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bp)
}

func (s *Server) handleGetBlueprint(w http.ResponseWriter, r *http.Request) {
	bp, err := s.hub.Catalog().GetBlueprint(r.Context(), r.PathValue("agency"), r.PathValue("name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bp)
}

func (s *Server) handleDeleteBlueprint(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Catalog().DeleteBlueprint(r.Context(), r.PathValue("agency"), r.PathValue("name")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ---- agents (control plane) ----

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.hub.Catalog().ListAgents(r.Context(), r.PathValue("agency"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentType string          `json:"agentType"`
		Input     json.RawMessage `json:"input,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentType == "" {
		writeError(w, http.StatusBadRequest, "agentType is required")
		return
	}
	id, err := s.hub.SpawnAgent(r.Context(), r.PathValue("agency"), req.AgentType, req.Input)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if handle, ok := s.hub.Runtime().Get(id); ok {
		if err := handle.Cancel(r.Context()); err != nil {
			s.log.Warn("cancel agent on delete", "agent", id, "error", err)
		}
	}
	if err := s.hub.Runtime().Remove(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ---- vars ----

func (s *Server) handleListVars(w http.ResponseWriter, r *http.Request) {
	vars, err := s.hub.Catalog().ListVars(r.Context(), r.PathValue("agency"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vars": vars})
}

func (s *Server) handlePutVars(w http.ResponseWriter, r *http.Request) {
	var vars map[string]any
	if !decodeBody(w, r, &vars) {
		return
	}
	ctx := r.Context()
	agencyName := r.PathValue("agency")
	for k, v := range vars {
		if err := s.hub.Catalog().SetVar(ctx, agencyName, k, v); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetVar(w http.ResponseWriter, r *http.Request) {
	v, err := s.hub.Catalog().GetVar(r.Context(), r.PathValue("agency"), r.PathValue("key"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": v})
}

func (s *Server) handlePutVar(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value any `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.hub.Catalog().SetVar(r.Context(), r.PathValue("agency"), r.PathValue("key"), req.Value); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteVar(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Catalog().DeleteVar(r.Context(), r.PathValue("agency"), r.PathValue("key")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ---- schedules ----

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	scs, err := s.hub.Catalog().ListSchedules(r.Context(), r.PathValue("agency"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": scs})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.hub.Scheduler(r.Context(), r.PathValue("agency"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var sc store.Schedule
	if !decodeBody(w, r, &sc) {
		return
	}
	if err := sched.Create(r.Context(), &sc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.hub.Catalog().GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handlePatchSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.hub.Scheduler(r.Context(), r.PathValue("agency"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	sc, err := s.hub.Catalog().GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// Patch semantics: decode over the stored row.
	if !decodeBody(w, r, sc) {
		return
	}
	if err := sched.Update(r.Context(), sc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.hub.Scheduler(r.Context(), r.PathValue("agency"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := sched.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) scheduleAction(w http.ResponseWriter, r *http.Request, act func(*http.Request) error) {
	if err := act(r); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	s.scheduleAction(w, r, func(r *http.Request) error {
		sched, err := s.hub.Scheduler(r.Context(), r.PathValue("agency"))
		if err != nil {
			return err
		}
		return sched.Pause(r.Context(), r.PathValue("id"))
	})
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	s.scheduleAction(w, r, func(r *http.Request) error {
		sched, err := s.hub.Scheduler(r.Context(), r.PathValue("agency"))
		if err != nil {
			return err
		}
		return sched.Resume(r.Context(), r.PathValue("id"))
	})
}

func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	s.scheduleAction(w, r, func(r *http.Request) error {
		sched, err := s.hub.Scheduler(r.Context(), r.PathValue("agency"))
		if err != nil {
			return err
		}
		return sched.Trigger(r.Context(), r.PathValue("id"))
	})
}

func (s *Server) handleListScheduleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.hub.Catalog().ListScheduleRuns(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
