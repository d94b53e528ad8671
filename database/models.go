package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syfpsy/nxyztask/models"
)

// Fixed-width so that timestamps sort lexically in TEXT columns.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scanner interface {
	Scan(dest ...any) error
}

const taskSelect = `SELECT t.id, t.title, t.description, t.due_date, t.priority, t.column_id,
	t.created_at, t.updated_at, u.id, u.name, u.email, u.avatar, u.role
	FROM tasks t LEFT JOIN users u ON u.id = t.assignee_id`

// scanTask reads one row of taskSelect. Tags are filled in separately.
func scanTask(s scanner) (models.Task, error) {
	var (
		t                  models.Task
		priority           string
		due                sql.NullString
		created, updated   string
		uid, uname, uemail sql.NullString
		uavatar, urole     sql.NullString
	)
	err := s.Scan(&t.ID, &t.Title, &t.Description, &due, &priority, &t.Column,
		&created, &updated, &uid, &uname, &uemail, &uavatar, &urole)
	if err != nil {
		return models.Task{}, err
	}

	t.Priority = models.Priority(priority)
	if t.CreatedAt, err = parseTime(created); err != nil {
		return models.Task{}, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return models.Task{}, err
	}
	if due.Valid {
		d, err := parseTime(due.String)
		if err != nil {
			return models.Task{}, err
		}
		t.DueDate = &d
	}
	if uid.Valid {
		t.Assignee = &models.User{
			ID:     uid.String,
			Name:   uname.String,
			Email:  uemail.String,
			Avatar: uavatar.String,
			Role:   urole.String,
		}
	}
	t.Tags = []string{}
	return t, nil
}

const userSelect = `SELECT id, name, email, password, avatar, role FROM users`

func scanUser(s scanner) (models.User, error) {
	var u models.User
	err := s.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Avatar, &u.Role)
	return u, err
}

func decodeOrder(raw string) ([]string, error) {
	ids := []string{}
	if raw == "" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("bad column order %q: %w", raw, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func encodeOrder(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
