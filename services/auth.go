package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/syfpsy/nxyztask/logging"
	"github.com/syfpsy/nxyztask/models"
)

const (
	minPasswordLength = 6
	// bcrypt only accepts inputs up to this many bytes.
	maxPasswordBytes = 72
)

// UserRepository is the account storage the auth service needs.
type UserRepository interface {
	Create(ctx context.Context, u models.User) (models.User, error)
	ByEmail(ctx context.Context, email string) (models.User, error)
	ByID(ctx context.Context, id string) (models.User, error)
	SetPassword(ctx context.Context, id, hash string) error
	SetRole(ctx context.Context, id, role string) error
}

type AuthConfig struct {
	Secret      string
	TTL         time.Duration
	AdminEmails []string
	// Cost is the bcrypt cost; zero means bcrypt.DefaultCost.
	Cost int
}

// Claims identify the caller of an authenticated request.
type Claims struct {
	UserID string `json:"uid"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type AuthService struct {
	users       UserRepository
	jwtSecret   []byte
	ttl         time.Duration
	cost        int
	adminEmails map[string]bool
}

func NewAuthService(users UserRepository, cfg AuthConfig) *AuthService {
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.Cost == 0 {
		cfg.Cost = bcrypt.DefaultCost
	}
	admins := make(map[string]bool, len(cfg.AdminEmails))
	for _, e := range cfg.AdminEmails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			admins[e] = true
		}
	}
	return &AuthService{
		users:       users,
		jwtSecret:   []byte(cfg.Secret),
		ttl:         cfg.TTL,
		cost:        cfg.Cost,
		adminEmails: admins,
	}
}

// Register creates an account and returns it with a session token. Emails
// listed as admin emails get the admin role.
func (s *AuthService) Register(ctx context.Context, name, email, password string) (models.User, string, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" {
		return models.User{}, "", models.Validationf("name is required")
	}
	if email == "" || !strings.Contains(email, "@") {
		return models.User{}, "", models.Validationf("invalid email address")
	}
	if err := checkPasswordRules(password); err != nil {
		return models.User{}, "", err
	}

	hash, err := s.hashPassword(password)
	if err != nil {
		return models.User{}, "", err
	}

	user, err := s.users.Create(ctx, models.User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Avatar:       DefaultAvatar(name),
		Role:         s.roleFor(email),
	})
	if err != nil {
		return models.User{}, "", err
	}

	token, err := s.CreateJWT(user)
	if err != nil {
		return models.User{}, "", err
	}
	logging.Logger.WithField("user", user.ID).Info("account registered")
	return user, token, nil
}

// Login checks the credentials and returns a session token.
func (s *AuthService) Login(ctx context.Context, email, password string) (models.User, string, error) {
	user, err := s.users.ByEmail(ctx, email)
	if errors.Is(err, models.ErrNotFound) {
		return models.User{}, "", fmt.Errorf("%w: invalid email or password", models.ErrUnauthorized)
	}
	if err != nil {
		return models.User{}, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return models.User{}, "", fmt.Errorf("%w: invalid email or password", models.ErrUnauthorized)
	}

	// The admin list is authoritative: it is re-applied on every login.
	if role := s.roleFor(user.Email); role != user.Role {
		if err := s.users.SetRole(ctx, user.ID, role); err != nil {
			return models.User{}, "", err
		}
		logging.Logger.WithFields(logrus.Fields{"user": user.ID, "role": role}).Info("role changed by admin list")
		user.Role = role
	}

	token, err := s.CreateJWT(user)
	if err != nil {
		return models.User{}, "", err
	}
	return user, token, nil
}

// ChangePassword replaces the password after checking the current one.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.users.ByID(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)) != nil {
		return fmt.Errorf("%w: current password is incorrect", models.ErrUnauthorized)
	}
	if err := checkPasswordRules(next); err != nil {
		return err
	}
	hash, err := s.hashPassword(next)
	if err != nil {
		return err
	}
	return s.users.SetPassword(ctx, userID, hash)
}

// CreateJWT generates a signed token for a user.
func (s *AuthService) CreateJWT(user models.User) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// VerifyJWT validates a token and returns its claims.
func (s *AuthService) VerifyJWT(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("%w: invalid token", models.ErrUnauthorized)
	}
	return claims, nil
}

func (s *AuthService) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func (s *AuthService) roleFor(email string) string {
	if s.adminEmails[strings.ToLower(strings.TrimSpace(email))] {
		return models.RoleAdmin
	}
	return models.RoleBasic
}

func checkPasswordRules(password string) error {
	if len(password) < minPasswordLength {
		return models.Validationf("password must be at least %d characters", minPasswordLength)
	}
	if len(password) > maxPasswordBytes {
		return models.Validationf("password must be at most %d bytes", maxPasswordBytes)
	}
	return nil
}

// DefaultAvatar returns the generated initials avatar for a display name.
func DefaultAvatar(name string) string {
	seed := strings.Join(strings.Fields(name), "")
	return "https://api.dicebear.com/7.x/initials/svg?seed=" + url.QueryEscape(seed)
}
