package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/syfpsy/nxyztask/logging"
	"github.com/syfpsy/nxyztask/models"
)

// Registry is the authoritative store of tasks, their tags and the ordered
// membership of each column.
//
// Every mutation runs as one transaction while holding a single-writer lock,
// so a task's column field and the column task lists always change together
// and concurrent moves of the same task cannot interleave.
type Registry struct {
	db  *DB
	mu  sync.Mutex
	now func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock replaces time.Now as the source of timestamps.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(db *DB, opts ...RegistryOption) *Registry {
	r := &Registry{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// stamp returns the current time, forced strictly after prev so updatedAt
// always advances.
func (r *Registry) stamp(prev time.Time) time.Time {
	now := r.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

// CreateTask inserts a task at the end of its column.
func (r *Registry) CreateTask(ctx context.Context, draft models.TaskDraft) (models.Task, error) {
	if err := draft.Normalize(); err != nil {
		return models.Task{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	now := r.now().UTC()

	var created models.Task
	err := r.db.withTx(ctx, func(tx runner) error {
		order, err := loadOrder(ctx, tx, draft.Column)
		if errors.Is(err, models.ErrNotFound) {
			return models.Validationf("column %q does not exist", draft.Column)
		}
		if err != nil {
			return err
		}
		if draft.AssigneeID != "" {
			if err := userExists(ctx, tx, draft.AssigneeID); err != nil {
				return err
			}
		}

		_, err = tx.exec(ctx, `INSERT INTO tasks
			(id, title, description, due_date, priority, assignee_id, column_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, draft.Title, draft.Description, nullTime(draft.DueDate), string(draft.Priority),
			nullString(draft.AssigneeID), draft.Column, formatTime(now), formatTime(now))
		if err != nil {
			return models.Persistence("insert task", err)
		}
		if err := insertTags(ctx, tx, id, draft.Tags); err != nil {
			return err
		}
		if err := saveOrder(ctx, tx, draft.Column, append(order, id)); err != nil {
			return err
		}

		created, err = getTask(ctx, tx, id)
		return err
	})
	if err != nil {
		logFailure("create", id, err)
		return models.Task{}, err
	}

	logging.Logger.WithFields(logrus.Fields{"task": id, "column": draft.Column}).Debug("task created")
	return created, nil
}

// UpdateTask merges the set fields of patch into the task. A set Tags field
// replaces the whole tag list; a set Column moves the task to the end of that
// column.
func (r *Registry) UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (models.Task, error) {
	return r.UpdateTaskAs(ctx, models.Actor{Admin: true}, id, patch)
}

// UpdateTaskAs is UpdateTask on behalf of actor. Non-admins may only edit
// tasks assigned to them and may not change a task's column. The check reads
// the task inside the update's transaction.
func (r *Registry) UpdateTaskAs(ctx context.Context, actor models.Actor, id string, patch models.TaskPatch) (models.Task, error) {
	if err := patch.Validate(); err != nil {
		return models.Task{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var updated models.Task
	err := r.db.withTx(ctx, func(tx runner) error {
		cur, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := authorizeUpdate(actor, cur, patch); err != nil {
			return err
		}

		assignee := ""
		if cur.Assignee != nil {
			assignee = cur.Assignee.ID
		}
		if patch.Title.Set {
			cur.Title = patch.Title.Value
		}
		if patch.Description.Set {
			cur.Description = patch.Description.Value
		}
		if patch.DueDate.Set {
			cur.DueDate = nil
			if !patch.DueDate.Null {
				d := patch.DueDate.Value
				cur.DueDate = &d
			}
		}
		if patch.Priority.Set {
			cur.Priority = patch.Priority.Value
		}
		if patch.AssigneeID.Set {
			assignee = patch.AssigneeID.Value
			if assignee != "" {
				if err := userExists(ctx, tx, assignee); err != nil {
					return err
				}
			}
		}
		if patch.Column.Set && patch.Column.Value != cur.Column {
			if err := relocate(ctx, tx, id, cur.Column, patch.Column.Value); err != nil {
				return err
			}
			cur.Column = patch.Column.Value
		}

		_, err = tx.exec(ctx, `UPDATE tasks SET title = ?, description = ?, due_date = ?, priority = ?,
			assignee_id = ?, column_id = ?, updated_at = ? WHERE id = ?`,
			cur.Title, cur.Description, nullTime(cur.DueDate), string(cur.Priority),
			nullString(assignee), cur.Column, formatTime(r.stamp(cur.UpdatedAt)), id)
		if err != nil {
			return models.Persistence("update task", err)
		}
		if patch.Tags.Set {
			if err := replaceTags(ctx, tx, id, patch.Tags.Value); err != nil {
				return err
			}
		}

		updated, err = getTask(ctx, tx, id)
		return err
	})
	if err != nil {
		logFailure("update", id, err)
		return models.Task{}, err
	}

	logging.Logger.WithField("task", id).Debug("task updated")
	return updated, nil
}

// DeleteTask removes the task, its tags and its entry in its column.
// Deleting an unknown id returns ErrNotFound.
func (r *Registry) DeleteTask(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.withTx(ctx, func(tx runner) error {
		column, _, err := taskHead(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.exec(ctx, `DELETE FROM task_tags WHERE task_id = ?`, id); err != nil {
			return models.Persistence("delete tags", err)
		}
		if _, err := tx.exec(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return models.Persistence("delete task", err)
		}
		order, err := loadOrder(ctx, tx, column)
		if err != nil {
			return err
		}
		return saveOrder(ctx, tx, column, without(order, id))
	})
	if err != nil {
		logFailure("delete", id, err)
		return err
	}

	logging.Logger.WithField("task", id).Debug("task deleted")
	return nil
}

// MoveTask appends the task to the end of toColumn and returns the full board.
// Moving a task into the column it already occupies changes nothing.
func (r *Registry) MoveTask(ctx context.Context, id, toColumn string) (models.Board, error) {
	if id == "" {
		return models.Board{}, models.Validationf("taskId is required")
	}
	if toColumn == "" {
		return models.Board{}, models.Validationf("toColumnId is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var board models.Board
	err := r.db.withTx(ctx, func(tx runner) error {
		from, updatedAt, err := taskHead(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := loadOrder(ctx, tx, toColumn); err != nil {
			return err
		}

		if from != toColumn {
			if err := relocate(ctx, tx, id, from, toColumn); err != nil {
				return err
			}
			_, err = tx.exec(ctx, `UPDATE tasks SET column_id = ?, updated_at = ? WHERE id = ?`,
				toColumn, formatTime(r.stamp(updatedAt)), id)
			if err != nil {
				return models.Persistence("update task column", err)
			}
		}

		board, err = snapshot(ctx, tx)
		return err
	})
	if err != nil {
		logFailure("move", id, err)
		return models.Board{}, err
	}

	logging.Logger.WithFields(logrus.Fields{"task": id, "column": toColumn}).Debug("task moved")
	return board, nil
}

// GetTask returns one denormalized task.
func (r *Registry) GetTask(ctx context.Context, id string) (models.Task, error) {
	return getTask(ctx, r.db.runner(), id)
}

// ListTasks returns every task with assignee and tags resolved.
func (r *Registry) ListTasks(ctx context.Context) ([]models.Task, error) {
	return listTasks(ctx, r.db.runner())
}

// ListColumns returns the columns in board order.
func (r *Registry) ListColumns(ctx context.Context) ([]models.Column, error) {
	return listColumns(ctx, r.db.runner())
}

// Snapshot reads columns and tasks in one transaction.
func (r *Registry) Snapshot(ctx context.Context) (models.Board, error) {
	var board models.Board
	err := r.db.withTx(ctx, func(tx runner) error {
		var err error
		board, err = snapshot(ctx, tx)
		return err
	})
	return board, err
}

// Verify reports every disagreement between task column fields and column
// task lists. An empty result means the board is consistent.
func (r *Registry) Verify(ctx context.Context) ([]string, error) {
	var problems []string
	err := r.db.withTx(ctx, func(tx runner) error {
		columns, err := listColumns(ctx, tx)
		if err != nil {
			return err
		}
		heads, err := taskColumns(ctx, tx)
		if err != nil {
			return err
		}

		seen := make(map[string]string)
		for _, col := range columns {
			for _, id := range col.TaskIDs {
				if prev, ok := seen[id]; ok {
					problems = append(problems, fmt.Sprintf("task %s listed in both %s and %s", id, prev, col.ID))
					continue
				}
				seen[id] = col.ID
				column, ok := heads[id]
				switch {
				case !ok:
					problems = append(problems, fmt.Sprintf("column %s lists missing task %s", col.ID, id))
				case column != col.ID:
					problems = append(problems, fmt.Sprintf("task %s is in %s but listed by %s", id, column, col.ID))
				}
			}
		}
		for id, column := range heads {
			if _, ok := seen[id]; !ok {
				problems = append(problems, fmt.Sprintf("task %s in %s is not listed by any column", id, column))
			}
		}
		return nil
	})
	return problems, err
}

func authorizeUpdate(actor models.Actor, cur models.Task, patch models.TaskPatch) error {
	if actor.Admin {
		return nil
	}
	if cur.Assignee == nil || cur.Assignee.ID != actor.UserID {
		return models.Forbiddenf("only admins and the assignee can edit this task")
	}
	if patch.Column.Set && patch.Column.Value != cur.Column {
		return models.Forbiddenf("only admins can move tasks")
	}
	return nil
}

func logFailure(op, id string, err error) {
	entry := logging.Logger.WithFields(logrus.Fields{"op": op, "task": id})
	if errors.Is(err, models.ErrPersistence) {
		entry.WithError(err).Error("registry operation failed")
		return
	}
	entry.WithError(err).Debug("registry operation rejected")
}

// relocate removes id from one column list and appends it to another.
func relocate(ctx context.Context, tx runner, id, from, to string) error {
	fromOrder, err := loadOrder(ctx, tx, from)
	if err != nil {
		return err
	}
	toOrder, err := loadOrder(ctx, tx, to)
	if err != nil {
		return err
	}
	if err := saveOrder(ctx, tx, from, without(fromOrder, id)); err != nil {
		return err
	}
	return saveOrder(ctx, tx, to, append(without(toOrder, id), id))
}

func loadOrder(ctx context.Context, q runner, column string) ([]string, error) {
	var raw string
	err := q.queryRow(ctx, `SELECT task_order FROM columns WHERE id = ?`, column).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("column %q", column)
	}
	if err != nil {
		return nil, models.Persistence("load column order", err)
	}
	ids, err := decodeOrder(raw)
	if err != nil {
		return nil, models.Persistence("load column order", err)
	}
	return ids, nil
}

func saveOrder(ctx context.Context, q runner, column string, ids []string) error {
	_, err := q.exec(ctx, `UPDATE columns SET task_order = ? WHERE id = ?`, encodeOrder(ids), column)
	if err != nil {
		return models.Persistence("save column order", err)
	}
	return nil
}

func taskHead(ctx context.Context, q runner, id string) (string, time.Time, error) {
	var column, updated string
	err := q.queryRow(ctx, `SELECT column_id, updated_at FROM tasks WHERE id = ?`, id).Scan(&column, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, models.NotFoundf("task %q", id)
	}
	if err != nil {
		return "", time.Time{}, models.Persistence("load task", err)
	}
	t, err := parseTime(updated)
	if err != nil {
		return "", time.Time{}, models.Persistence("load task", err)
	}
	return column, t, nil
}

func taskColumns(ctx context.Context, q runner) (map[string]string, error) {
	rows, err := q.query(ctx, `SELECT id, column_id FROM tasks`)
	if err != nil {
		return nil, models.Persistence("list task columns", err)
	}
	defer rows.Close()

	heads := make(map[string]string)
	for rows.Next() {
		var id, column string
		if err := rows.Scan(&id, &column); err != nil {
			return nil, models.Persistence("list task columns", err)
		}
		heads[id] = column
	}
	if err := rows.Err(); err != nil {
		return nil, models.Persistence("list task columns", err)
	}
	return heads, nil
}

func userExists(ctx context.Context, q runner, id string) error {
	var one int
	err := q.queryRow(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Validationf("assignee %q does not exist", id)
	}
	if err != nil {
		return models.Persistence("load assignee", err)
	}
	return nil
}

func insertTags(ctx context.Context, q runner, taskID string, tags []string) error {
	for i, tag := range tags {
		_, err := q.exec(ctx, `INSERT INTO task_tags (id, task_id, position, tag) VALUES (?, ?, ?, ?)`,
			uuid.NewString(), taskID, i, tag)
		if err != nil {
			return models.Persistence("insert tag", err)
		}
	}
	return nil
}

func replaceTags(ctx context.Context, q runner, taskID string, tags []string) error {
	if _, err := q.exec(ctx, `DELETE FROM task_tags WHERE task_id = ?`, taskID); err != nil {
		return models.Persistence("delete tags", err)
	}
	return insertTags(ctx, q, taskID, tags)
}

func getTask(ctx context.Context, q runner, id string) (models.Task, error) {
	t, err := scanTask(q.queryRow(ctx, taskSelect+` WHERE t.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, models.NotFoundf("task %q", id)
	}
	if err != nil {
		return models.Task{}, models.Persistence("load task", err)
	}
	tags, err := loadTags(ctx, q, `SELECT task_id, tag FROM task_tags WHERE task_id = ? ORDER BY position`, id)
	if err != nil {
		return models.Task{}, err
	}
	if v, ok := tags[id]; ok {
		t.Tags = v
	}
	return t, nil
}

func listTasks(ctx context.Context, q runner) ([]models.Task, error) {
	tasks, err := scanTasks(ctx, q)
	if err != nil {
		return nil, err
	}
	tags, err := loadTags(ctx, q, `SELECT task_id, tag FROM task_tags ORDER BY task_id, position`)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if v, ok := tags[tasks[i].ID]; ok {
			tasks[i].Tags = v
		}
	}
	return tasks, nil
}

// scanTasks closes its rows before returning; sqlite pools hold one
// connection and the tag query needs it.
func scanTasks(ctx context.Context, q runner) ([]models.Task, error) {
	rows, err := q.query(ctx, taskSelect+` ORDER BY t.created_at, t.id`)
	if err != nil {
		return nil, models.Persistence("list tasks", err)
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, models.Persistence("list tasks", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Persistence("list tasks", err)
	}
	return tasks, nil
}

func loadTags(ctx context.Context, q runner, query string, args ...any) (map[string][]string, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, models.Persistence("load tags", err)
	}
	defer rows.Close()

	tags := make(map[string][]string)
	for rows.Next() {
		var taskID, tag string
		if err := rows.Scan(&taskID, &tag); err != nil {
			return nil, models.Persistence("load tags", err)
		}
		tags[taskID] = append(tags[taskID], tag)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Persistence("load tags", err)
	}
	return tags, nil
}

func listColumns(ctx context.Context, q runner) ([]models.Column, error) {
	rows, err := q.query(ctx, `SELECT id, title, task_order FROM columns ORDER BY position`)
	if err != nil {
		return nil, models.Persistence("list columns", err)
	}
	defer rows.Close()

	columns := []models.Column{}
	for rows.Next() {
		var (
			col models.Column
			raw string
		)
		if err := rows.Scan(&col.ID, &col.Title, &raw); err != nil {
			return nil, models.Persistence("list columns", err)
		}
		if col.TaskIDs, err = decodeOrder(raw); err != nil {
			return nil, models.Persistence("list columns", err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Persistence("list columns", err)
	}
	return columns, nil
}

func snapshot(ctx context.Context, q runner) (models.Board, error) {
	columns, err := listColumns(ctx, q)
	if err != nil {
		return models.Board{}, err
	}
	tasks, err := listTasks(ctx, q)
	if err != nil {
		return models.Board{}, err
	}
	return models.Board{Columns: columns, Tasks: tasks}, nil
}
