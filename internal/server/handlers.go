package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/loomhq/loom/internal/revert"
	"github.com/loomhq/loom/internal/store"
)

type sendMessageRequest struct {
	Content      string `json:"content"`
	Mode         string `json:"mode,omitempty"`
	ActivePlanID string `json:"activePlanId,omitempty"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

type approvalRequest struct {
	ToolCallID string `json:"toolCallId"`
	Reason     string `json:"reason,omitempty"`
}

type createProjectRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type createChatRequest struct {
	Title string `json:"title,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	hist, err := s.service.History(r.Context(), chatID)
	if err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, hist)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		fail(w, http.StatusBadRequest, "content is required")
		return
	}
	msg, err := s.service.SendMessage(r.Context(), chatID, req.Content)
	if err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, msg)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Continue(r.Context(), chi.URLParam(r, "id")); err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"scheduled": true})
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "mid")
	var req editMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		fail(w, http.StatusBadRequest, "content is required")
		return
	}
	if err := s.service.EditMessage(r.Context(), chatID, messageID, req.Content); err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"message_id": messageID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.service.Cancel(chi.URLParam(r, "id"))
	respond(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	var req approvalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ToolCallID == "" {
		fail(w, http.StatusBadRequest, "toolCallId is required")
		return
	}
	if err := s.service.Approve(r.Context(), chatID, req.ToolCallID); err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"tool_call_id": req.ToolCallID})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	var req approvalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ToolCallID == "" {
		fail(w, http.StatusBadRequest, "toolCallId is required")
		return
	}
	if err := s.service.Reject(r.Context(), chatID, req.ToolCallID, req.Reason); err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"tool_call_id": req.ToolCallID})
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	checkpointID := chi.URLParam(r, "cpId")
	if err := s.service.RevertToCheckpoint(r.Context(), chatID, checkpointID); err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"checkpoint_id": checkpointID})
}

func (s *Server) handleRevertFile(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	fileEditID := chi.URLParam(r, "feId")
	if err := s.service.RevertFile(r.Context(), chatID, fileEditID); err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"file_edit_id": fileEditID})
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Summarize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Path == "" {
		fail(w, http.StatusBadRequest, "name and path are required")
		return
	}
	project, err := s.service.CreateProject(r.Context(), req.Name, req.Path)
	if err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.Store().ListProjects(r.Context())
	if err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, projects)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteProject(r.Context(), chi.URLParam(r, "id")); err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	chat, err := s.service.CreateChat(r.Context(), chi.URLParam(r, "id"), req.Title)
	if err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, chat)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.service.Store().ListChats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, chats)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteChat(r.Context(), chi.URLParam(r, "id")); err != nil {
		failFor(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"deleted": true})
}

// failFor maps service errors onto HTTP status codes.
func failFor(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		fail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, revert.ErrWrongChat):
		fail(w, http.StatusBadRequest, err.Error())
	default:
		fail(w, http.StatusInternalServerError, err.Error())
	}
}
