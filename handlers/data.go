package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/syfpsy/nxyztask/logging"
	"github.com/syfpsy/nxyztask/models"
	"github.com/syfpsy/nxyztask/services"
)

// TaskRegistry is the task and column store the board routes drive.
type TaskRegistry interface {
	ListTasks(ctx context.Context) ([]models.Task, error)
	ListColumns(ctx context.Context) ([]models.Column, error)
	CreateTask(ctx context.Context, draft models.TaskDraft) (models.Task, error)
	UpdateTaskAs(ctx context.Context, actor models.Actor, id string, patch models.TaskPatch) (models.Task, error)
	DeleteTask(ctx context.Context, id string) error
	MoveTask(ctx context.Context, id, toColumn string) (models.Board, error)
}

// DataHandler serves the board: tasks, columns and the live event stream.
type DataHandler struct {
	registry TaskRegistry
	hub      *services.Hub
	upgrader websocket.Upgrader
}

func NewDataHandler(registry TaskRegistry, hub *services.Hub, allowedOrigins []string) *DataHandler {
	return &DataHandler{
		registry: registry,
		hub:      hub,
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)},
	}
}

// userRef names an assignee. Clients may echo a task's whole assignee back;
// only ID is used.
type userRef struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Role   string `json:"role,omitempty"`
}

type createTaskRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	DueDate     *time.Time      `json:"dueDate"`
	Priority    models.Priority `json:"priority"`
	Assignee    *userRef        `json:"assignee"`
	Column      string          `json:"column"`
	Tags        []string        `json:"tags"`
}

func (req createTaskRequest) draft() models.TaskDraft {
	d := models.TaskDraft{
		Title:       req.Title,
		Description: req.Description,
		DueDate:     req.DueDate,
		Priority:    req.Priority,
		Column:      req.Column,
		Tags:        req.Tags,
	}
	if req.Assignee != nil {
		d.AssigneeID = req.Assignee.ID
	}
	return d
}

type updateTaskRequest struct {
	Title       models.Field[string]          `json:"title"`
	Description models.Field[string]          `json:"description"`
	DueDate     models.Field[time.Time]       `json:"dueDate"`
	Priority    models.Field[models.Priority] `json:"priority"`
	Assignee    models.Field[userRef]         `json:"assignee"`
	Column      models.Field[string]          `json:"column"`
	Tags        models.Field[[]string]        `json:"tags"`
}

func (req updateTaskRequest) patch() models.TaskPatch {
	p := models.TaskPatch{
		Title:       req.Title,
		Description: req.Description,
		DueDate:     req.DueDate,
		Priority:    req.Priority,
		Column:      req.Column,
		Tags:        req.Tags,
	}
	switch {
	case !req.Assignee.Set:
	case req.Assignee.Null:
		p.AssigneeID = models.Null[string]()
	default:
		p.AssigneeID = models.Some(req.Assignee.Value.ID)
	}
	return p
}

type moveTaskRequest struct {
	TaskID     string `json:"taskId"`
	ToColumnID string `json:"toColumnId"`
}

// ListTasks returns every task, denormalized.
func (h *DataHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.registry.ListTasks(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// ListColumns returns the columns with their ordered task ids.
func (h *DataHandler) ListColumns(w http.ResponseWriter, r *http.Request) {
	columns, err := h.registry.ListColumns(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, columns)
}

func (h *DataHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	task, err := h.registry.CreateTask(r.Context(), req.draft())
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.hub.Broadcast(services.Event{Type: services.EventTaskCreated, Data: task, User: claimsFrom(r).UserID})
	writeJSON(w, http.StatusCreated, task)
}

// UpdateTask applies a partial update. Admins may edit any task, other users
// only the tasks assigned to them and without changing the column.
func (h *DataHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req updateTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	task, err := h.registry.UpdateTaskAs(r.Context(), actorFrom(r), id, req.patch())
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.hub.Broadcast(services.Event{Type: services.EventTaskUpdated, Data: task, User: claimsFrom(r).UserID})
	writeJSON(w, http.StatusOK, task)
}

// DeleteTask removes a task. Deleting a task that is already gone succeeds so
// clients can retry safely.
func (h *DataHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		writeError(w, r, models.Forbiddenf("only admins can delete tasks"))
		return
	}

	id := mux.Vars(r)["id"]
	err := h.registry.DeleteTask(r.Context(), id)
	switch {
	case errors.Is(err, models.ErrNotFound):
		logging.Logger.WithField("task", id).Debug("delete of missing task treated as done")
	case err != nil:
		writeError(w, r, err)
		return
	default:
		h.hub.Broadcast(services.Event{
			Type: services.EventTaskDeleted,
			Data: map[string]string{"id": id},
			User: claimsFrom(r).UserID,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

// MoveTask moves a task to the end of another column and answers with the
// whole board, which clients use to replace their cached state.
func (h *DataHandler) MoveTask(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		writeError(w, r, models.Forbiddenf("only admins can move tasks"))
		return
	}

	var req moveTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	board, err := h.registry.MoveTask(r.Context(), req.TaskID, req.ToColumnID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.hub.Broadcast(services.Event{Type: services.EventBoardSynced, Data: board, User: claimsFrom(r).UserID})
	writeJSON(w, http.StatusOK, board)
}

// HandleWebSocket upgrades the HTTP connection and subscribes it to board events.
func (h *DataHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := claimsFrom(r).UserID

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger.WithField("user", userID).Warnf("failed to upgrade to websocket: %v", err)
		return
	}

	client := services.NewClient(h.hub, conn, userID)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}
