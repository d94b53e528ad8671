package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/syfpsy/nxyztask/services"
)

// RouterConfig carries everything the HTTP surface is built from.
type RouterConfig struct {
	Auth        Authenticator
	Tokens      TokenVerifier
	Users       UserDirectory
	Registry    TaskRegistry
	Hub         *services.Hub
	CORSOrigins []string
	StaticDir   string
}

// NewRouter builds the API router wrapped in CORS and request logging.
func NewRouter(cfg RouterConfig) http.Handler {
	authHandler := NewAuthHandler(cfg.Auth, cfg.Users)
	dataHandler := NewDataHandler(cfg.Registry, cfg.Hub, cfg.CORSOrigins)
	authMiddleware := NewAuthMiddleware(cfg.Tokens)

	r := mux.NewRouter()

	// Public auth routes
	r.HandleFunc("/api/auth/register", authHandler.Register).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/login", authHandler.Login).Methods(http.MethodPost)

	// Everything else under /api requires a session
	api := r.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware.Auth)

	api.HandleFunc("/auth/me", authHandler.Me).Methods(http.MethodGet)
	api.HandleFunc("/auth/password", authHandler.ChangePassword).Methods(http.MethodPut)
	api.HandleFunc("/auth/profile", authHandler.UpdateProfile).Methods(http.MethodPut)
	api.HandleFunc("/users", authHandler.ListUsers).Methods(http.MethodGet)

	api.HandleFunc("/tasks", dataHandler.ListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks", dataHandler.CreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}", dataHandler.UpdateTask).Methods(http.MethodPut)
	api.HandleFunc("/tasks/{id}", dataHandler.DeleteTask).Methods(http.MethodDelete)
	api.HandleFunc("/columns", dataHandler.ListColumns).Methods(http.MethodGet)
	api.HandleFunc("/columns/move-task", dataHandler.MoveTask).Methods(http.MethodPut)

	// WebSocket route for real-time updates
	api.HandleFunc("/ws", dataHandler.HandleWebSocket).Methods(http.MethodGet)

	if cfg.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.StaticDir)))
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	return logRequests(c.Handler(r))
}
