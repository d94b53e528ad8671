// Package client talks to the board API and keeps a local copy of the board
// for interactive front ends.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/syfpsy/nxyztask/logging"
	"github.com/syfpsy/nxyztask/models"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Unwrap maps the wire code back to the shared error sentinels.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case models.CodeValidation:
		return models.ErrValidation
	case models.CodeNotFound:
		return models.ErrNotFound
	case models.CodeConflict:
		return models.ErrConflict
	case models.CodeUnauthorized:
		return models.ErrUnauthorized
	case models.CodeForbidden:
		return models.ErrForbidden
	default:
		return models.ErrPersistence
	}
}

// API is a REST client for the board. Requests go through a circuit breaker
// that opens after repeated transport or server failures.
type API struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

type Option func(*API)

func WithHTTPClient(c *http.Client) Option {
	return func(a *API) { a.httpClient = c }
}

func WithToken(token string) Option {
	return func(a *API) { a.token = token }
}

func NewAPI(baseURL string, opts ...Option) *API {
	a := &API{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "board-api",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		// 4xx answers mean the server is healthy.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Status < http.StatusInternalServerError
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Logger.Infof("circuit breaker %q changed from %s to %s", name, from, to)
		},
	})
	return a
}

// SetToken replaces the session token used on later requests.
func (a *API) SetToken(token string) {
	a.token = token
}

// Session is what register and login return.
type Session struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

func (a *API) Login(ctx context.Context, email, password string) (Session, error) {
	var s Session
	err := a.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{"email": email, "password": password}, &s)
	if err == nil {
		a.SetToken(s.Token)
	}
	return s, err
}

func (a *API) Register(ctx context.Context, name, email, password string) (Session, error) {
	var s Session
	body := map[string]string{"name": name, "email": email, "password": password}
	err := a.do(ctx, http.MethodPost, "/api/auth/register", body, &s)
	if err == nil {
		a.SetToken(s.Token)
	}
	return s, err
}

func (a *API) GetTasks(ctx context.Context) ([]models.Task, error) {
	var tasks []models.Task
	err := a.do(ctx, http.MethodGet, "/api/tasks", nil, &tasks)
	return tasks, err
}

func (a *API) GetColumns(ctx context.Context) ([]models.Column, error) {
	var columns []models.Column
	err := a.do(ctx, http.MethodGet, "/api/columns", nil, &columns)
	return columns, err
}

// TaskInput is the body of a create request.
type TaskInput struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	DueDate     *time.Time      `json:"dueDate,omitempty"`
	Priority    models.Priority `json:"priority,omitempty"`
	Assignee    *AssigneeRef    `json:"assignee,omitempty"`
	Column      string          `json:"column,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

type AssigneeRef struct {
	ID string `json:"id"`
}

// TaskChanges is the body of an update request. Unset fields are left alone.
type TaskChanges struct {
	Title       models.Field[string]
	Description models.Field[string]
	DueDate     models.Field[time.Time]
	Priority    models.Field[models.Priority]
	Assignee    models.Field[AssigneeRef]
	Tags        models.Field[[]string]
}

// MarshalJSON drops the unset fields so they are absent on the wire.
func (c TaskChanges) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	put := func(name string, set bool, v any) {
		if set {
			out[name] = v
		}
	}
	put("title", c.Title.Set, c.Title)
	put("description", c.Description.Set, c.Description)
	put("dueDate", c.DueDate.Set, c.DueDate)
	put("priority", c.Priority.Set, c.Priority)
	put("assignee", c.Assignee.Set, c.Assignee)
	put("tags", c.Tags.Set, c.Tags)
	return json.Marshal(out)
}

func (a *API) AddTask(ctx context.Context, in TaskInput) (models.Task, error) {
	var task models.Task
	err := a.do(ctx, http.MethodPost, "/api/tasks", in, &task)
	return task, err
}

func (a *API) UpdateTask(ctx context.Context, id string, changes TaskChanges) (models.Task, error) {
	var task models.Task
	err := a.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(id), changes, &task)
	return task, err
}

func (a *API) DeleteTask(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil)
}

// MoveTask moves a task to another column and returns the whole board.
func (a *API) MoveTask(ctx context.Context, taskID, toColumn string) (models.Board, error) {
	var board models.Board
	body := map[string]string{"taskId": taskID, "toColumnId": toColumn}
	err := a.do(ctx, http.MethodPut, "/api/columns/move-task", body, &board)
	return board, err
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return nil, a.roundTrip(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return err
}

func (a *API) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			apiErr.Code, apiErr.Message = payload.Code, payload.Message
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}
