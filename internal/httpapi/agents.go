package httpapi

import (
	"errors"
	"net/http"

	"github.com/openagency/agencyd/internal/providers"
	"github.com/openagency/agencyd/internal/runtime"
	"github.com/openagency/agencyd/internal/store"
)

func (s *Server) handle(w http.ResponseWriter, r *http.Request) (*runtime.Handle, bool) {
	h, ok := s.hub.Runtime().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent "+r.PathValue("id"))
		return nil, false
	}
	return h, true
}

// handleRegisterAgent initializes an agent under a caller-chosen id. Safe to
// retry: registering a known id returns the existing agent.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgencyID  string           `json:"agencyId"`
		AgentType string           `json:"agentType"`
		Parent    *store.ParentRef `json:"parent,omitempty"`
		Vars      map[string]any   `json:"vars,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgencyID == "" || req.AgentType == "" {
		writeError(w, http.StatusBadRequest, "agencyId and agentType are required")
		return
	}
	_, err := s.hub.Runtime().Register(r.Context(), runtime.RegisterOptions{
		ID:        r.PathValue("id"),
		AgencyID:  req.AgencyID,
		AgentType: req.AgentType,
		Parent:    req.Parent,
		Vars:      req.Vars,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleInvoke appends messages and (re)starts the run. Returns 202: the
// work progresses via ticks after the response is written.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handle(w, r)
	if !ok {
		return
	}
	var req struct {
		Messages []providers.Message `json:"messages,omitempty"`
		Files    []struct {
			Name    string `json:"name"`
			Content string `json:"content"`
		} `json:"files,omitempty"`
		Vars map[string]any `json:"vars,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	// Files land in the conversation as user content; there is no blob store.
	messages := req.Messages
	for _, f := range req.Files {
		messages = append(messages, providers.Message{
			Role:    "user",
			Content: "[file: " + f.Name + "]\n" + f.Content,
		})
	}
	status, err := h.Invoke(r.Context(), messages, req.Vars)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handle(w, r)
	if !ok {
		return
	}
	var action map[string]any
	if !decodeBody(w, r, &action) {
		return
	}
	result, err := h.Action(r.Context(), action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handle(w, r)
	if !ok {
		return
	}
	if err := h.Cancel(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handle(w, r)
	if !ok {
		return
	}
	snap, err := h.State(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": snap, "run": snap.Run})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handle(w, r)
	if !ok {
		return
	}
	events, err := h.Events(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handle(w, r)
	if !ok {
		return
	}
	messages, err := h.Messages(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleChildResult is the child→parent report-back. An unknown or spent
// token is a 400: the report is already delivered or the parent moved on.
func (s *Server) handleChildResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token         string `json:"token"`
		ChildThreadID string `json:"childThreadId"`
		Report        string `json:"report,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Token == "" || req.ChildThreadID == "" {
		writeError(w, http.StatusBadRequest, "token and childThreadId are required")
		return
	}
	err := s.hub.Runtime().Coordinator().ReportToParent(r.Context(), r.PathValue("id"), req.Token, req.ChildThreadID, req.Report)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown token")
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
