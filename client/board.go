package client

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/syfpsy/nxyztask/logging"
	"github.com/syfpsy/nxyztask/models"
)

// Backend is the remote board the cache is kept in step with. *API
// satisfies it.
type Backend interface {
	GetTasks(ctx context.Context) ([]models.Task, error)
	GetColumns(ctx context.Context) ([]models.Column, error)
	AddTask(ctx context.Context, in TaskInput) (models.Task, error)
	UpdateTask(ctx context.Context, id string, changes TaskChanges) (models.Task, error)
	DeleteTask(ctx context.Context, id string) error
	MoveTask(ctx context.Context, taskID, toColumn string) (models.Board, error)
}

type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// State is a point-in-time copy of the cached board.
type State struct {
	Status  Status
	Tasks   []models.Task
	Columns []models.Column
	Err     string
}

// Board caches the server's board and applies mutations once the server has
// confirmed them.
type Board struct {
	backend Backend

	mu      sync.RWMutex
	status  Status
	tasks   []models.Task
	columns []models.Column
	err     string
}

func NewBoard(backend Backend) *Board {
	return &Board{backend: backend, status: StatusIdle}
}

// Load fetches tasks and columns together. On failure the cache is emptied
// and the board enters the error state.
func (b *Board) Load(ctx context.Context) error {
	b.mu.Lock()
	b.status = StatusLoading
	b.err = ""
	b.mu.Unlock()

	var (
		tasks   []models.Task
		columns []models.Column
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tasks, err = b.backend.GetTasks(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		columns, err = b.backend.GetColumns(gctx)
		return err
	})
	err := g.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		logging.Logger.Warnf("failed to load board: %v", err)
		b.status = StatusError
		b.err = err.Error()
		b.tasks, b.columns = nil, nil
		return err
	}
	b.status = StatusReady
	b.tasks, b.columns = tasks, columns
	return nil
}

// AddTask creates a task and appends the server's copy to the cache and to
// the end of its column.
func (b *Board) AddTask(ctx context.Context, in TaskInput) (models.Task, error) {
	task, err := b.backend.AddTask(ctx, in)
	if err != nil {
		return models.Task{}, b.fail(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = append(b.tasks, task)
	for i := range b.columns {
		if b.columns[i].ID == task.Column {
			b.columns[i].TaskIDs = append(b.columns[i].TaskIDs, task.ID)
		}
	}
	b.err = ""
	return task.Clone(), nil
}

// UpdateTask replaces the cached task with the server's copy.
func (b *Board) UpdateTask(ctx context.Context, id string, changes TaskChanges) (models.Task, error) {
	task, err := b.backend.UpdateTask(ctx, id, changes)
	if err != nil {
		return models.Task{}, b.fail(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.tasks {
		if b.tasks[i].ID == task.ID {
			b.tasks[i] = task
		}
	}
	b.err = ""
	return task.Clone(), nil
}

// DeleteTask removes a task from the cache and from every column.
func (b *Board) DeleteTask(ctx context.Context, id string) error {
	if err := b.backend.DeleteTask(ctx, id); err != nil {
		return b.fail(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.tasks[:0]
	for _, t := range b.tasks {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	b.tasks = kept
	for i := range b.columns {
		b.columns[i].TaskIDs = removeID(b.columns[i].TaskIDs, id)
	}
	b.err = ""
	return nil
}

// MoveTask moves a task on the server and replaces the cache with the
// returned board.
func (b *Board) MoveTask(ctx context.Context, taskID, toColumn string) error {
	board, err := b.backend.MoveTask(ctx, taskID, toColumn)
	if err != nil {
		return b.fail(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks, b.columns = board.Tasks, board.Columns
	b.err = ""
	return nil
}

// Drop handles a drag ending over a column. Drops inside the source column
// are ignored since ordering within a column is not stored.
func (b *Board) Drop(ctx context.Context, taskID, fromColumn, toColumn string) error {
	if toColumn == "" || fromColumn == toColumn {
		return nil
	}
	return b.MoveTask(ctx, taskID, toColumn)
}

// Snapshot returns a deep copy of the cached state.
func (b *Board) Snapshot() State {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := State{Status: b.status, Err: b.err}
	if b.tasks != nil {
		s.Tasks = make([]models.Task, len(b.tasks))
		for i, t := range b.tasks {
			s.Tasks[i] = t.Clone()
		}
	}
	if b.columns != nil {
		s.Columns = make([]models.Column, len(b.columns))
		for i, c := range b.columns {
			s.Columns[i] = c.Clone()
		}
	}
	return s
}

// ColumnTasks resolves a column's task ids to tasks, skipping ids the cache
// does not hold.
func (s State) ColumnTasks(columnID string) []models.Task {
	byID := make(map[string]models.Task, len(s.Tasks))
	for _, t := range s.Tasks {
		byID[t.ID] = t
	}
	var out []models.Task
	for _, c := range s.Columns {
		if c.ID != columnID {
			continue
		}
		for _, id := range c.TaskIDs {
			if t, ok := byID[id]; ok {
				out = append(out, t)
			}
		}
	}
	return out
}

func (b *Board) fail(err error) error {
	logging.Logger.Warnf("board mutation failed: %v", err)
	b.mu.Lock()
	b.err = err.Error()
	b.mu.Unlock()
	return err
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
