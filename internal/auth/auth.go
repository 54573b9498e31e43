package auth

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/4xmen/goftogoo/internal/apperr"
	"github.com/4xmen/goftogoo/internal/docstore"
)

const UsersCollection = "users"

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Identity is the authenticated user every engine operation acts as.
type Identity struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	GroupID     string `json:"group_id,omitempty"`
	Admin       bool   `json:"admin,omitempty"`
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.ID != ""
}

// Require returns the caller's identity or ErrNotAuthenticated.
func Require(ctx context.Context) (Identity, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return Identity{}, apperr.ErrNotAuthenticated
	}
	return id, nil
}

type user struct {
	Identity
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

type Service struct {
	docs      docstore.Store
	jwtSecret string
	tokenTTL  time.Duration
}

type Claims struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	Admin       bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() Identity {
	return Identity{
		ID:          c.UserID,
		Username:    c.Username,
		DisplayName: c.DisplayName,
		GroupID:     c.GroupID,
		Admin:       c.Admin,
	}
}

func New(docs docstore.Store, jwtSecret string) *Service {
	return NewWithTokenTTL(docs, jwtSecret, 24*time.Hour)
}

func NewWithTokenTTL(docs docstore.Store, jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{docs: docs, jwtSecret: jwtSecret, tokenTTL: tokenTTL}
}

func (s *Service) Register(ctx context.Context, username, password, displayName, groupID string) (Identity, error) {
	username = strings.TrimSpace(username)
	if len(username) < 3 || len(username) > 32 {
		return Identity{}, apperr.Validation("username must be between 3 and 32 characters")
	}
	if !usernamePattern.MatchString(username) {
		return Identity{}, apperr.Validation("username can only contain letters, numbers, and underscores")
	}
	if len(password) < 6 {
		return Identity{}, apperr.Validation("password must be at least 6 characters")
	}

	existing, err := s.docs.Query(ctx, UsersCollection, "username", username)
	if err != nil {
		return Identity{}, apperr.Remote(err, "failed to query user")
	}
	if len(existing) > 0 {
		return Identity{}, apperr.Duplicate("username already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to hash password: %w", err)
	}

	if displayName == "" {
		displayName = username
	}
	u := user{
		Identity: Identity{
			ID:          uuid.NewString(),
			Username:    username,
			DisplayName: displayName,
			GroupID:     groupID,
		},
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	body, err := json.Marshal(u)
	if err != nil {
		return Identity{}, err
	}
	if err := s.docs.Set(ctx, UsersCollection, u.ID, body); err != nil {
		return Identity{}, apperr.Remote(err, "failed to register user")
	}
	return u.Identity, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (string, Identity, error) {
	username = strings.TrimSpace(username)
	docs, err := s.docs.Query(ctx, UsersCollection, "username", username)
	if err != nil {
		return "", Identity{}, apperr.Remote(err, "failed to query user")
	}
	if len(docs) == 0 {
		return "", Identity{}, apperr.NotAuthenticated("invalid username or password")
	}
	var u user
	if err := json.Unmarshal(docs[0].Body, &u); err != nil {
		return "", Identity{}, fmt.Errorf("failed to decode user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", Identity{}, apperr.NotAuthenticated("invalid username or password")
	}

	token, err := s.GenerateToken(u.Identity)
	if err != nil {
		return "", Identity{}, fmt.Errorf("failed to generate token: %w", err)
	}
	return token, u.Identity, nil
}

func (s *Service) GenerateToken(id Identity) (string, error) {
	claims := Claims{
		UserID:      id.ID,
		Username:    id.Username,
		DisplayName: id.DisplayName,
		GroupID:     id.GroupID,
		Admin:       id.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// User loads the stored identity for userID.
func (s *Service) User(ctx context.Context, userID string) (Identity, error) {
	body, err := s.docs.Get(ctx, UsersCollection, userID)
	if errors.Is(err, docstore.ErrNotFound) {
		return Identity{}, apperr.NotFound("user %s not found", userID)
	}
	if err != nil {
		return Identity{}, apperr.Remote(err, "failed to fetch user")
	}
	var u user
	if err := json.Unmarshal(body, &u); err != nil {
		return Identity{}, fmt.Errorf("failed to decode user: %w", err)
	}
	return u.Identity, nil
}

// IsAdmin reports whether userID holds the global administrator flag. An
// unknown user is not an administrator.
func (s *Service) IsAdmin(ctx context.Context, userID string) (bool, error) {
	id, err := s.User(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return id.Admin, nil
}

// SetAdmin grants or revokes the global administrator flag.
func (s *Service) SetAdmin(ctx context.Context, userID string, admin bool) error {
	err := s.docs.Update(ctx, UsersCollection, userID, map[string]any{"admin": admin})
	if errors.Is(err, docstore.ErrNotFound) {
		return apperr.NotFound("user %s not found", userID)
	}
	return err
}
