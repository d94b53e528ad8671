package database

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syfpsy/nxyztask/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := InitDB(DriverSQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// frozenClock never advances on its own.
func frozenClock() func() time.Time {
	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func newTestRegistry(t *testing.T) (*Registry, *DB) {
	db := newTestDB(t)
	return NewRegistry(db, WithClock(frozenClock())), db
}

func columnByID(t *testing.T, columns []models.Column, id string) models.Column {
	t.Helper()
	for _, c := range columns {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("column %s not found", id)
	return models.Column{}
}

func requireConsistent(t *testing.T, r *Registry) {
	t.Helper()
	problems, err := r.Verify(context.Background())
	require.NoError(t, err)
	require.Empty(t, problems)
}

func TestInitDBProvisionsColumns(t *testing.T) {
	r, _ := newTestRegistry(t)
	columns, err := r.ListColumns(context.Background())
	require.NoError(t, err)
	require.Len(t, columns, 3)
	assert.Equal(t, []string{"todo", "inProgress", "done"}, []string{columns[0].ID, columns[1].ID, columns[2].ID})
	for _, c := range columns {
		assert.Empty(t, c.TaskIDs)
	}
}

func TestCreateThenMoveScenario(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := r.CreateTask(ctx, models.TaskDraft{Title: "Write release notes", Column: "todo", Priority: models.PriorityHigh})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "todo", task.Column)
	assert.Equal(t, models.PriorityHigh, task.Priority)
	assert.True(t, task.CreatedAt.Equal(task.UpdatedAt))
	assert.Equal(t, []string{}, task.Tags)

	columns, err := r.ListColumns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, columnByID(t, columns, "todo").TaskIDs)

	board, err := r.MoveTask(ctx, task.ID, "done")
	require.NoError(t, err)
	assert.Contains(t, columnByID(t, board.Columns, "done").TaskIDs, task.ID)
	assert.NotContains(t, columnByID(t, board.Columns, "todo").TaskIDs, task.ID)
	require.Len(t, board.Tasks, 1)
	assert.Equal(t, "done", board.Tasks[0].Column)
	assert.True(t, board.Tasks[0].UpdatedAt.After(task.UpdatedAt))
	assert.True(t, board.Tasks[0].CreatedAt.Equal(task.CreatedAt))

	requireConsistent(t, r)
}

func TestCreateTaskRejectsInvalidInput(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	cases := map[string]models.TaskDraft{
		"missing title":    {Column: "todo"},
		"unknown column":   {Title: "x", Column: "backlog"},
		"unknown assignee": {Title: "x", AssigneeID: "ghost"},
		"bad priority":     {Title: "x", Priority: "urgent"},
	}
	for name, draft := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.CreateTask(ctx, draft)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}

	tasks, err := r.ListTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	requireConsistent(t, r)
}

func TestCreateTaskResolvesAssigneeAndTags(t *testing.T) {
	r, db := newTestRegistry(t)
	ctx := context.Background()

	alice, err := NewUserStore(db).Create(ctx, models.User{Name: "Alice", Email: "alice@example.com", PasswordHash: "x"})
	require.NoError(t, err)

	due := time.Date(2026, 11, 1, 12, 30, 0, 0, time.UTC)
	task, err := r.CreateTask(ctx, models.TaskDraft{
		Title:      "Review",
		DueDate:    &due,
		AssigneeID: alice.ID,
		Tags:       []string{"docs", "urgent", "docs"},
	})
	require.NoError(t, err)

	require.NotNil(t, task.Assignee)
	assert.Equal(t, "Alice", task.Assignee.Name)
	assert.Empty(t, task.Assignee.PasswordHash)
	assert.Equal(t, []string{"docs", "urgent", "docs"}, task.Tags)
	require.NotNil(t, task.DueDate)
	assert.True(t, task.DueDate.Equal(due))
	assert.Equal(t, models.PriorityMedium, task.Priority)
	assert.Equal(t, "todo", task.Column)
}

func TestUpdateTaskTags(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := r.CreateTask(ctx, models.TaskDraft{Title: "Tagged", Tags: []string{"a", "b"}})
	require.NoError(t, err)

	updated, err := r.UpdateTask(ctx, task.ID, models.TaskPatch{Title: models.Some("Renamed")})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, []string{"a", "b"}, updated.Tags, "omitted tags are left untouched")
	assert.True(t, updated.UpdatedAt.After(task.UpdatedAt))

	updated, err = r.UpdateTask(ctx, task.ID, models.TaskPatch{Tags: models.Some([]string{"c"})})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, updated.Tags)

	updated, err = r.UpdateTask(ctx, task.ID, models.TaskPatch{Tags: models.Some([]string{})})
	require.NoError(t, err)
	assert.Equal(t, []string{}, updated.Tags)

	tasks, err := r.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Empty(t, tasks[0].Tags)
}

func TestUpdateTaskClearsOptionalFields(t *testing.T) {
	r, db := newTestRegistry(t)
	ctx := context.Background()

	bob, err := NewUserStore(db).Create(ctx, models.User{Name: "Bob", Email: "bob@example.com", PasswordHash: "x"})
	require.NoError(t, err)
	due := time.Now()
	task, err := r.CreateTask(ctx, models.TaskDraft{Title: "x", Description: "d", DueDate: &due, AssigneeID: bob.ID})
	require.NoError(t, err)

	updated, err := r.UpdateTask(ctx, task.ID, models.TaskPatch{
		Description: models.Null[string](),
		DueDate:     models.Null[time.Time](),
		AssigneeID:  models.Null[string](),
		Priority:    models.Some(models.PriorityLow),
	})
	require.NoError(t, err)
	assert.Empty(t, updated.Description)
	assert.Nil(t, updated.DueDate)
	assert.Nil(t, updated.Assignee)
	assert.Equal(t, models.PriorityLow, updated.Priority)
	assert.Equal(t, "x", updated.Title)
}

func TestUpdateTaskErrors(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.UpdateTask(ctx, "missing", models.TaskPatch{Title: models.Some("x")})
	assert.ErrorIs(t, err, models.ErrNotFound)

	task, err := r.CreateTask(ctx, models.TaskDraft{Title: "x", Tags: []string{"keep"}})
	require.NoError(t, err)

	_, err = r.UpdateTask(ctx, task.ID, models.TaskPatch{Title: models.Some(""), Tags: models.Some([]string{})})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = r.UpdateTask(ctx, task.ID, models.TaskPatch{Tags: models.Some([]string{}), AssigneeID: models.Some("ghost")})
	assert.ErrorIs(t, err, models.ErrValidation)

	got, err := r.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, got.Tags, "a rejected update applies nothing")
	assert.True(t, got.UpdatedAt.Equal(task.UpdatedAt))
}

func TestUpdateTaskColumnMovesMembership(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := r.CreateTask(ctx, models.TaskDraft{Title: "x"})
	require.NoError(t, err)

	updated, err := r.UpdateTask(ctx, task.ID, models.TaskPatch{Column: models.Some("inProgress")})
	require.NoError(t, err)
	assert.Equal(t, "inProgress", updated.Column)

	columns, err := r.ListColumns(ctx)
	require.NoError(t, err)
	assert.Empty(t, columnByID(t, columns, "todo").TaskIDs)
	assert.Equal(t, []string{task.ID}, columnByID(t, columns, "inProgress").TaskIDs)
	requireConsistent(t, r)
}

func TestUpdateTaskAsEnforcesRoles(t *testing.T) {
	r, db := newTestRegistry(t)
	ctx := context.Background()

	users := NewUserStore(db)
	alice, err := users.Create(ctx, models.User{Name: "Alice", Email: "alice@example.com", PasswordHash: "x"})
	require.NoError(t, err)
	bob, err := users.Create(ctx, models.User{Name: "Bob", Email: "bob@example.com", PasswordHash: "x"})
	require.NoError(t, err)
	asAlice := models.Actor{UserID: alice.ID}

	task, err := r.CreateTask(ctx, models.TaskDraft{Title: "x", AssigneeID: alice.ID})
	require.NoError(t, err)

	updated, err := r.UpdateTaskAs(ctx, asAlice, task.ID, models.TaskPatch{Title: models.Some("mine")})
	require.NoError(t, err)
	assert.Equal(t, "mine", updated.Title)

	// Naming the current column is not a move.
	_, err = r.UpdateTaskAs(ctx, asAlice, task.ID, models.TaskPatch{Column: models.Some("todo")})
	require.NoError(t, err)

	_, err = r.UpdateTaskAs(ctx, asAlice, task.ID, models.TaskPatch{Title: models.Some("moved"), Column: models.Some("done")})
	assert.ErrorIs(t, err, models.ErrForbidden)

	// Reassigned away: the former assignee can no longer edit.
	_, err = r.UpdateTaskAs(ctx, models.Actor{UserID: bob.ID, Admin: true}, task.ID,
		models.TaskPatch{AssigneeID: models.Some(bob.ID)})
	require.NoError(t, err)
	_, err = r.UpdateTaskAs(ctx, asAlice, task.ID, models.TaskPatch{Title: models.Some("late edit")})
	assert.ErrorIs(t, err, models.ErrForbidden)

	got, err := r.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Title)
	assert.Equal(t, "todo", got.Column)
	columns, err := r.ListColumns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, columnByID(t, columns, "todo").TaskIDs)
	requireConsistent(t, r)
}

func TestUpdateTaskAsConcurrentReassignment(t *testing.T) {
	r, db := newTestRegistry(t)
	ctx := context.Background()

	users := NewUserStore(db)
	alice, err := users.Create(ctx, models.User{Name: "Alice", Email: "alice@example.com", PasswordHash: "x"})
	require.NoError(t, err)
	bob, err := users.Create(ctx, models.User{Name: "Bob", Email: "bob@example.com", PasswordHash: "x"})
	require.NoError(t, err)

	for round := 0; round < 20; round++ {
		task, err := r.CreateTask(ctx, models.TaskDraft{Title: "start", AssigneeID: alice.ID})
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			editErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := r.UpdateTaskAs(ctx, models.Actor{Admin: true}, task.ID, models.TaskPatch{AssigneeID: models.Some(bob.ID)})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, editErr = r.UpdateTaskAs(ctx, models.Actor{UserID: alice.ID}, task.ID, models.TaskPatch{Title: models.Some("alice")})
		}()
		wg.Wait()

		got, err := r.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Assignee)
		assert.Equal(t, bob.ID, got.Assignee.ID)
		if editErr != nil {
			assert.ErrorIs(t, editErr, models.ErrForbidden)
			assert.Equal(t, "start", got.Title, "round %d", round)
		} else {
			assert.Equal(t, "alice", got.Title, "round %d", round)
		}
	}
}

func TestDeleteTask(t *testing.T) {
	r, db := newTestRegistry(t)
	ctx := context.Background()

	keep, err := r.CreateTask(ctx, models.TaskDraft{Title: "keep", Tags: []string{"k"}})
	require.NoError(t, err)
	gone, err := r.CreateTask(ctx, models.TaskDraft{Title: "gone", Tags: []string{"a", "b"}})
	require.NoError(t, err)

	require.NoError(t, r.DeleteTask(ctx, gone.ID))

	var tagRows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM task_tags WHERE task_id = ?`, gone.ID).Scan(&tagRows))
	assert.Zero(t, tagRows)

	tasks, err := r.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, keep.ID, tasks[0].ID)
	assert.Equal(t, []string{"k"}, tasks[0].Tags)

	columns, err := r.ListColumns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{keep.ID}, columnByID(t, columns, "todo").TaskIDs)

	assert.ErrorIs(t, r.DeleteTask(ctx, gone.ID), models.ErrNotFound)
	requireConsistent(t, r)
}

func TestMoveTaskAppendsToEnd(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.CreateTask(ctx, models.TaskDraft{Title: "a"})
	require.NoError(t, err)
	b, err := r.CreateTask(ctx, models.TaskDraft{Title: "b", Column: "done"})
	require.NoError(t, err)
	c, err := r.CreateTask(ctx, models.TaskDraft{Title: "c"})
	require.NoError(t, err)

	board, err := r.MoveTask(ctx, a.ID, "done")
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, a.ID}, columnByID(t, board.Columns, "done").TaskIDs)
	assert.Equal(t, []string{c.ID}, columnByID(t, board.Columns, "todo").TaskIDs)
	assert.Len(t, board.Tasks, 3)
}

func TestMoveTaskToCurrentColumnIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.CreateTask(ctx, models.TaskDraft{Title: "a"})
	require.NoError(t, err)
	b, err := r.CreateTask(ctx, models.TaskDraft{Title: "b"})
	require.NoError(t, err)

	board, err := r.MoveTask(ctx, a.ID, "todo")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, columnByID(t, board.Columns, "todo").TaskIDs)

	got, err := r.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(a.UpdatedAt))
}

func TestMoveTaskNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := r.CreateTask(ctx, models.TaskDraft{Title: "x"})
	require.NoError(t, err)

	_, err = r.MoveTask(ctx, "missing", "done")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = r.MoveTask(ctx, task.ID, "backlog")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = r.MoveTask(ctx, task.ID, "")
	assert.ErrorIs(t, err, models.ErrValidation)

	got, err := r.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "todo", got.Column)
	requireConsistent(t, r)
}

func TestConcurrentMovesLeaveTaskInOneColumn(t *testing.T) {
	r := NewRegistry(newTestDB(t))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		task, err := r.CreateTask(ctx, models.TaskDraft{Title: fmt.Sprintf("race %d", i)})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for _, dest := range []string{"inProgress", "done"} {
			wg.Add(1)
			go func(dest string) {
				defer wg.Done()
				_, err := r.MoveTask(ctx, task.ID, dest)
				assert.NoError(t, err)
			}(dest)
		}
		wg.Wait()

		columns, err := r.ListColumns(ctx)
		require.NoError(t, err)
		holders := 0
		for _, c := range columns {
			for _, id := range c.TaskIDs {
				if id == task.ID {
					holders++
				}
			}
		}
		assert.Equal(t, 1, holders)
	}
	requireConsistent(t, r)
}

func TestInvariantHoldsAcrossRandomOperations(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	columns := []string{"todo", "inProgress", "done"}

	var ids []string
	for step := 0; step < 200; step++ {
		switch op := rng.Intn(4); {
		case op == 0 || len(ids) == 0:
			task, err := r.CreateTask(ctx, models.TaskDraft{
				Title:  fmt.Sprintf("task %d", step),
				Column: columns[rng.Intn(len(columns))],
				Tags:   []string{"t"},
			})
			require.NoError(t, err)
			ids = append(ids, task.ID)
		case op == 1:
			_, err := r.MoveTask(ctx, ids[rng.Intn(len(ids))], columns[rng.Intn(len(columns))])
			require.NoError(t, err)
		case op == 2:
			_, err := r.UpdateTask(ctx, ids[rng.Intn(len(ids))], models.TaskPatch{
				Column: models.Some(columns[rng.Intn(len(columns))]),
				Tags:   models.Some([]string{}),
			})
			require.NoError(t, err)
		default:
			i := rng.Intn(len(ids))
			require.NoError(t, r.DeleteTask(ctx, ids[i]))
			ids = append(ids[:i], ids[i+1:]...)
		}
		requireConsistent(t, r)
	}
}

func TestVerifyReportsDivergence(t *testing.T) {
	r, db := newTestRegistry(t)
	ctx := context.Background()

	task, err := r.CreateTask(ctx, models.TaskDraft{Title: "x"})
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE columns SET task_order = '[]' WHERE id = 'todo'`)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE columns SET task_order = ? WHERE id = 'done'`, `["`+task.ID+`","ghost"]`)
	require.NoError(t, err)

	problems, err := r.Verify(ctx)
	require.NoError(t, err)
	assert.Len(t, problems, 2)
}

func TestCreateTaskRollsBackOnFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	r := NewRegistry(&DB{DB: sqlDB, Driver: DriverSQLite})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT task_order FROM columns WHERE id = ?`)).
		WithArgs("todo").
		WillReturnRows(sqlmock.NewRows([]string{"task_order"}).AddRow(`[]`))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO tasks`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE columns SET task_order = ?`)).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = r.CreateTask(context.Background(), models.TaskDraft{Title: "orphan"})
	assert.ErrorIs(t, err, models.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMoveTaskRollsBackOnFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	r := NewRegistry(&DB{DB: sqlDB, Driver: DriverSQLite})
	orderRows := func(raw string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"task_order"}).AddRow(raw)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT column_id, updated_at FROM tasks WHERE id = ?`)).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"column_id", "updated_at"}).
			AddRow("todo", "2026-01-01T00:00:00.000000000Z"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT task_order FROM columns`)).WithArgs("done").WillReturnRows(orderRows(`[]`))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT task_order FROM columns`)).WithArgs("todo").WillReturnRows(orderRows(`["t1"]`))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT task_order FROM columns`)).WithArgs("done").WillReturnRows(orderRows(`[]`))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE columns SET task_order = ?`)).
		WithArgs(`[]`, "todo").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE columns SET task_order = ?`)).
		WithArgs(`["t1"]`, "done").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err = r.MoveTask(context.Background(), "t1", "done")
	assert.ErrorIs(t, err, models.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebindForPostgres(t *testing.T) {
	d := &DB{Driver: DriverPostgres}
	assert.Equal(t, "UPDATE t SET a = $1 WHERE id = $2", d.Rebind("UPDATE t SET a = ? WHERE id = ?"))

	d.Driver = DriverSQLite
	assert.Equal(t, "SELECT ?", d.Rebind("SELECT ?"))
}

func TestInitDBRejectsUnknownDriver(t *testing.T) {
	_, err := InitDB("oracle", "x")
	assert.Error(t, err)
}
