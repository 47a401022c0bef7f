package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/loomhq/loom/internal/plans"
	"github.com/loomhq/loom/pkg/models"
)

type createPlanRequest struct {
	ChatID       string `json:"chatId"`
	CheckpointID string `json:"checkpointId,omitempty"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	Editor       string `json:"editor,omitempty"`
}

type updatePlanRequest struct {
	Content string `json:"content"`
	Editor  string `json:"editor,omitempty"`
	BaseSHA string `json:"baseSha,omitempty"`
}

type approvePlanRequest struct {
	Action               string `json:"action"`
	ImplementationChatID string `json:"implementationChatId,omitempty"`
}

type planResponse struct {
	Plan    *models.ProjectPlan `json:"plan"`
	Content string              `json:"content,omitempty"`
}

func (s *Server) plansEnabled(w http.ResponseWriter) bool {
	if s.service.Plans() == nil {
		fail(w, http.StatusNotFound, "plans are not enabled")
		return false
	}
	return true
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	if !s.plansEnabled(w) {
		return
	}
	var req createPlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ChatID == "" || strings.TrimSpace(req.Title) == "" {
		fail(w, http.StatusBadRequest, "chatId and title are required")
		return
	}
	plan, err := s.service.Plans().Create(r.Context(), req.ChatID, req.CheckpointID, req.Title, req.Content, req.Editor)
	if err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, planResponse{Plan: plan})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	if !s.plansEnabled(w) {
		return
	}
	plan, content, err := s.service.Plans().Read(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, planResponse{Plan: plan, Content: content})
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	if !s.plansEnabled(w) {
		return
	}
	var req updatePlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	plan, err := s.service.Plans().Update(r.Context(), chi.URLParam(r, "pid"), req.Content, req.Editor, req.BaseSHA)
	if err != nil {
		if errors.Is(err, plans.ErrRevisionConflict) {
			fail(w, http.StatusConflict, err.Error())
			return
		}
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, planResponse{Plan: plan})
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	if !s.plansEnabled(w) {
		return
	}
	var req approvePlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Action == "" {
		fail(w, http.StatusBadRequest, "action is required")
		return
	}
	planID := chi.URLParam(r, "pid")
	if err := s.service.Plans().Approve(r.Context(), planID, req.Action, req.ImplementationChatID); err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"plan_id": planID})
}

func (s *Server) handlePlanRevisions(w http.ResponseWriter, r *http.Request) {
	if !s.plansEnabled(w) {
		return
	}
	revisions, err := s.service.Plans().Revisions(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, revisions)
}
