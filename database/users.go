package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/syfpsy/nxyztask/models"
)

// UserStore persists accounts. The same records are task assignees.
type UserStore struct {
	db *DB
}

func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db}
}

// NormalizeEmail is the canonical form emails are stored and looked up in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Create inserts a user with a fresh id. A taken email returns ErrConflict.
func (s *UserStore) Create(ctx context.Context, u models.User) (models.User, error) {
	u.ID = uuid.NewString()
	u.Email = NormalizeEmail(u.Email)
	if u.Role == "" {
		u.Role = models.RoleBasic
	}

	err := s.db.withTx(ctx, func(tx runner) error {
		var one int
		err := tx.queryRow(ctx, `SELECT 1 FROM users WHERE email = ?`, u.Email).Scan(&one)
		if err == nil {
			return fmt.Errorf("%w: email %s is already registered", models.ErrConflict, u.Email)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.Persistence("check email", err)
		}

		_, err = tx.exec(ctx, `INSERT INTO users (id, name, email, password, avatar, role) VALUES (?, ?, ?, ?, ?, ?)`,
			u.ID, u.Name, u.Email, u.PasswordHash, u.Avatar, u.Role)
		if err != nil {
			return models.Persistence("insert user", err)
		}
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return u, nil
}

// ByEmail looks a user up by login email.
func (s *UserStore) ByEmail(ctx context.Context, email string) (models.User, error) {
	return s.one(ctx, userSelect+` WHERE email = ?`, NormalizeEmail(email))
}

// ByID looks a user up by id.
func (s *UserStore) ByID(ctx context.Context, id string) (models.User, error) {
	return s.one(ctx, userSelect+` WHERE id = ?`, id)
}

func (s *UserStore) one(ctx context.Context, query string, arg string) (models.User, error) {
	u, err := scanUser(s.db.runner().queryRow(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, models.NotFoundf("user %q", arg)
	}
	if err != nil {
		return models.User{}, models.Persistence("load user", err)
	}
	return u, nil
}

// List returns all users ordered by name.
func (s *UserStore) List(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.runner().query(ctx, userSelect+` ORDER BY name, id`)
	if err != nil {
		return nil, models.Persistence("list users", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, models.Persistence("list users", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Persistence("list users", err)
	}
	return users, nil
}

// UpdateProfile changes the display name and avatar when set.
func (s *UserStore) UpdateProfile(ctx context.Context, id string, name, avatar models.Field[string]) (models.User, error) {
	var updated models.User
	err := s.db.withTx(ctx, func(tx runner) error {
		u, err := scanUser(tx.queryRow(ctx, userSelect+` WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return models.NotFoundf("user %q", id)
		}
		if err != nil {
			return models.Persistence("load user", err)
		}
		if name.Set {
			u.Name = name.Value
		}
		if avatar.Set {
			u.Avatar = avatar.Value
		}
		if _, err := tx.exec(ctx, `UPDATE users SET name = ?, avatar = ? WHERE id = ?`, u.Name, u.Avatar, id); err != nil {
			return models.Persistence("update user", err)
		}
		updated = u
		return nil
	})
	return updated, err
}

// SetPassword stores a new password hash.
func (s *UserStore) SetPassword(ctx context.Context, id, hash string) error {
	res, err := s.db.runner().exec(ctx, `UPDATE users SET password = ? WHERE id = ?`, hash, id)
	if err != nil {
		return models.Persistence("update password", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.NotFoundf("user %q", id)
	}
	return nil
}

// SetRole changes an account's role.
func (s *UserStore) SetRole(ctx context.Context, id, role string) error {
	if role != models.RoleAdmin && role != models.RoleBasic {
		return models.Validationf("unknown role %q", role)
	}
	res, err := s.db.runner().exec(ctx, `UPDATE users SET role = ? WHERE id = ?`, role, id)
	if err != nil {
		return models.Persistence("update role", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.NotFoundf("user %q", id)
	}
	return nil
}
