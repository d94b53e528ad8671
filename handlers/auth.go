package handlers

import (
	"context"
	"net/http"

	"github.com/syfpsy/nxyztask/models"
)

// Authenticator handles credentials and sessions.
type Authenticator interface {
	Register(ctx context.Context, name, email, password string) (models.User, string, error)
	Login(ctx context.Context, email, password string) (models.User, string, error)
	ChangePassword(ctx context.Context, userID, current, next string) error
}

// UserDirectory reads and edits account profiles.
type UserDirectory interface {
	ByID(ctx context.Context, id string) (models.User, error)
	List(ctx context.Context) ([]models.User, error)
	UpdateProfile(ctx context.Context, id string, name, avatar models.Field[string]) (models.User, error)
}

// AuthHandler handles authentication-related endpoints
type AuthHandler struct {
	auth  Authenticator
	users UserDirectory
}

func NewAuthHandler(auth Authenticator, users UserDirectory) *AuthHandler {
	return &AuthHandler{
		auth:  auth,
		users: users,
	}
}

type sessionResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// Register creates an account and signs it in.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	user, token, err := h.auth.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Token: token, User: user})
}

// Login exchanges credentials for a session token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	user, token, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, User: user})
}

// Me returns the signed-in user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.ByID(r.Context(), claimsFrom(r).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.auth.ChangePassword(r.Context(), claimsFrom(r).UserID, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateProfile edits the signed-in user's name and avatar.
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   models.Field[string] `json:"name"`
		Avatar models.Field[string] `json:"avatar"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name.Set && (req.Name.Null || req.Name.Value == "") {
		writeError(w, r, models.Validationf("name cannot be empty"))
		return
	}

	user, err := h.users.UpdateProfile(r.Context(), claimsFrom(r).UserID, req.Name, req.Avatar)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ListUsers returns every account, for picking assignees.
func (h *AuthHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}
