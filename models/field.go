package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Field is an optional value in a partial update. Set is true when the key
// was present in the request; Null is true when it was present as null.
type Field[T any] struct {
	Set   bool
	Null  bool
	Value T
}

// Some returns a Field holding v.
func Some[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: v}
}

// Null returns a Field explicitly cleared.
func Null[T any]() Field[T] {
	return Field[T]{Set: true, Null: true}
}

func (f *Field[T]) UnmarshalJSON(data []byte) error {
	f.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		f.Null = true
		var zero T
		f.Value = zero
		return nil
	}
	f.Null = false
	return json.Unmarshal(data, &f.Value)
}

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.Set || f.Null {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// TaskDraft holds the fields of a task to create.
type TaskDraft struct {
	Title       string
	Description string
	DueDate     *time.Time
	Priority    Priority
	AssigneeID  string
	Column      string
	Tags        []string
}

// TaskPatch holds the fields of a partial task update. Unset fields are left
// untouched; a set Tags replaces the whole tag list.
type TaskPatch struct {
	Title       Field[string]
	Description Field[string]
	DueDate     Field[time.Time]
	Priority    Field[Priority]
	AssigneeID  Field[string]
	Column      Field[string]
	Tags        Field[[]string]
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return !p.Title.Set && !p.Description.Set && !p.DueDate.Set && !p.Priority.Set &&
		!p.AssigneeID.Set && !p.Column.Set && !p.Tags.Set
}
