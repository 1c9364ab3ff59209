package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/errdefs"
	"github.com/basket/taskdeck/internal/hub"
	"github.com/basket/taskdeck/internal/store"
	"github.com/basket/taskdeck/internal/wire"
)

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleTaskList(w, r)
	case http.MethodPost:
		s.handleTaskCreate(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	workspace := r.URL.Query().Get("workspace")
	if workspace == "" {
		workspace = s.defaultWorkspace()
	}
	status := store.TaskStatus(r.URL.Query().Get("status"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	tasks, total, err := s.cfg.Store.ListTasks(r.Context(), workspace, status, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req store.Task
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &errdefs.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	created, err := s.cfg.Store.CreateTask(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.broadcastTask(created, map[string]any{"created": true, "status": string(created.Status)})
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleAPITaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.SplitN(path, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		task, err := s.cfg.Store.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	switch parts[1] {
	case "status":
		if r.Method != http.MethodPatch {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.handleTaskStatus(w, r, taskID)
	case "progress":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.handleTaskProgress(w, r, taskID)
	case "activities":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleTaskActivities(w, r, taskID)
	default:
		http.Error(w, "unknown task action", http.StatusNotFound)
	}
}

// handleTaskStatus is the drag-and-drop path: one column move, one broadcast.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	var req struct {
		Status string `json:"status"`
		Actor  string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &errdefs.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	updated, changes, from, err := s.cfg.Store.UpdateTaskStatus(r.Context(), taskID, store.TaskStatus(req.Status), req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	// A same-status move commits nothing and broadcasts nothing.
	if len(changes) > 0 {
		s.broadcastTask(updated, changes)
		s.publishEvent(bus.TopicTaskStatusChanged, bus.TaskStatusEvent{
			TaskID:      updated.ID,
			WorkspaceID: updated.WorkspaceID,
			OldStatus:   string(from),
			NewStatus:   string(updated.Status),
			Actor:       req.Actor,
		})
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request, taskID string) {
	var req struct {
		Progress    int    `json:"progress"`
		CurrentStep string `json:"current_step"`
		AgentID     string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &errdefs.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	recorded, err := s.cfg.Store.RecordProgress(r.Context(), taskID, req.Progress, req.CurrentStep, req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}

	env := wire.New(wire.TypeProgressUpdate, wire.ProgressUpdatePayload{
		TaskID:      taskID,
		Progress:    recorded,
		CurrentStep: req.CurrentStep,
		AgentID:     req.AgentID,
	})
	s.cfg.Hub.Publish(env, hub.Scope{Workspace: task.WorkspaceID, TaskID: taskID})
	s.cfg.Streams.PublishAll(env)
	s.publishEvent(bus.TopicTaskProgress, bus.TaskProgressEvent{
		TaskID:      taskID,
		AgentID:     req.AgentID,
		Progress:    recorded,
		CurrentStep: req.CurrentStep,
	})

	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "progress": recorded})
}

func (s *Server) handleTaskActivities(w http.ResponseWriter, r *http.Request, taskID string) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	items, err := s.cfg.Store.ListActivities(r.Context(), taskID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []store.Activity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": items})
}

// broadcastTask fans one task_update out to the task's workspace and direct
// task subscribers on the socket, plus every push stream.
func (s *Server) broadcastTask(task *store.Task, changes map[string]any) {
	env := wire.New(wire.TypeTaskUpdate, wire.TaskUpdatePayload{
		TaskID:  task.ID,
		Changes: changes,
		AgentID: task.AgentID,
	})
	s.cfg.Hub.Publish(env, hub.Scope{Workspace: task.WorkspaceID, TaskID: task.ID})
	s.cfg.Streams.PublishAll(env)
}
