package models

import (
	"time"
)

// Priority is the urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Fixed column identifiers provisioned with every board.
const (
	ColumnTodo       = "todo"
	ColumnInProgress = "inProgress"
	ColumnDone       = "done"
)

// Roles a user account can hold.
const (
	RoleBasic = "basic"
	RoleAdmin = "admin"
)

// Actor is the account a mutation is made on behalf of.
type Actor struct {
	UserID string
	Admin  bool
}

// User is both the login identity and the assignee of tasks.
type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email,omitempty"`
	Avatar       string `json:"avatar,omitempty"`
	Role         string `json:"role,omitempty"`
	PasswordHash string `json:"-"`
}

// Task is the denormalized view of a task: assignee and tags resolved inline.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Priority    Priority   `json:"priority"`
	Assignee    *User      `json:"assignee,omitempty"`
	Column      string     `json:"column"`
	Tags        []string   `json:"tags"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Column is an ordered bucket of task ids.
type Column struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	TaskIDs []string `json:"taskIds"`
}

// Board is a full snapshot of columns and tasks, returned after a move.
type Board struct {
	Columns []Column `json:"columns"`
	Tasks   []Task   `json:"tasks"`
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	c := t
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	if t.Assignee != nil {
		a := *t.Assignee
		c.Assignee = &a
	}
	c.Tags = append([]string{}, t.Tags...)
	return c
}

// Clone returns a deep copy of the column.
func (c Column) Clone() Column {
	out := c
	out.TaskIDs = append([]string{}, c.TaskIDs...)
	return out
}
