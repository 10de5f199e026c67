// Package authpw provides name/password authentication backed by the
// document store.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pawlenx/api/internal/docstore"
	"pawlenx/api/internal/identity"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrConflict        = errors.New("account already exists")
	ErrUnauthorized    = errors.New("invalid name or password")
	ErrTooManyAttempts = errors.New("too many failed login attempts")
	ErrNotFound        = errors.New("profile not found")
)

// maxPasswordBytes is the bcrypt input limit.
const maxPasswordBytes = 72

// Profile is the stored account document. SecretHash never leaves this
// package; handlers get a PublicProfile.
type Profile struct {
	DisplayName   string    `json:"displayName"`
	Email         string    `json:"email"`
	SecretHash    string    `json:"secretHash"`
	CreatedAt     time.Time `json:"createdAt"`
	CollectionKey string    `json:"collectionKey"`
}

type PublicProfile struct {
	DisplayName   string    `json:"name"`
	Email         string    `json:"email"`
	CreatedAt     time.Time `json:"createdAt"`
	CollectionKey string    `json:"-"`
}

func (p Profile) Public() PublicProfile {
	return PublicProfile{
		DisplayName:   p.DisplayName,
		Email:         p.Email,
		CreatedAt:     p.CreatedAt,
		CollectionKey: p.CollectionKey,
	}
}

// ProfilePath returns the document path of the profile for key.
func ProfilePath(key string) string {
	return "users/" + key + "/profile.json"
}

// TokenIssuer mints session tokens.
type TokenIssuer interface {
	Issue(collectionKey, displayName string) (string, time.Time, error)
}

// Limiter counts failed logins per subject.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Fail(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

// CollectionInitializer creates the empty per-user collections at signup.
type CollectionInitializer interface {
	Init(ctx context.Context, key string) error
}

// Service provides sign-up and sign-in.
type Service struct {
	docs        docstore.Store
	keys        *identity.Deriver
	tokens      TokenIssuer
	limiter     Limiter
	collections CollectionInitializer
	logger      *slog.Logger
	hashCost    int
	now         func() time.Time
}

type Option func(*Service)

// WithHashCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func WithHashCost(cost int) Option {
	return func(s *Service) { s.hashCost = cost }
}

func WithCollections(c CollectionInitializer) Option {
	return func(s *Service) { s.collections = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new auth service. limiter may be nil to disable
// throttling.
func NewService(docs docstore.Store, keys *identity.Deriver, tokens TokenIssuer, limiter Limiter, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		docs:     docs,
		keys:     keys,
		tokens:   tokens,
		limiter:  limiter,
		logger:   logger,
		hashCost: bcrypt.DefaultCost,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Name     string
	Email    string
	Password string
}

func (r SignUpRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.Email) == "" || r.Password == "" {
		return fmt.Errorf("%w: name, email and password are required", ErrValidation)
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	if len(r.Password) > maxPasswordBytes {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrValidation, maxPasswordBytes)
	}
	return nil
}

// Session is the result of a successful sign-up or sign-in.
type Session struct {
	Token         string
	ExpiresAt     time.Time
	DisplayName   string
	CollectionKey string
}

// SignUp creates the profile and returns a session for it.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (Session, error) {
	if err := req.validate(); err != nil {
		return Session{}, err
	}
	name := strings.TrimSpace(req.Name)
	key := s.keys.DeriveKey(name, req.Password)

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.hashCost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	profile := Profile{
		DisplayName:   name,
		Email:         strings.TrimSpace(req.Email),
		SecretHash:    string(hash),
		CreatedAt:     s.now().UTC(),
		CollectionKey: key,
	}

	// Create-only: a concurrent signup for the same key loses here.
	if _, err := docstore.WriteJSON(ctx, s.docs, ProfilePath(key), profile, "", "Create profile for "+key); err != nil {
		if errors.Is(err, docstore.ErrConflict) {
			return Session{}, ErrConflict
		}
		return Session{}, fmt.Errorf("create profile: %w", err)
	}

	if s.collections != nil {
		if err := s.collections.Init(ctx, key); err != nil {
			s.logger.Warn("initialize pet collection failed", "collection_key", key, "error", err)
		}
	}

	return s.issue(profile)
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Name     string
	Password string
}

// SignIn authenticates a user
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (Session, error) {
	if strings.TrimSpace(req.Name) == "" || req.Password == "" {
		return Session{}, fmt.Errorf("%w: name and password are required", ErrValidation)
	}
	name := strings.TrimSpace(req.Name)
	key := s.keys.DeriveKey(name, req.Password)
	// A wrong password derives a different key, so failures are counted
	// per normalized name instead.
	subject := identity.NormalizeName(name)

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, subject)
		if err != nil {
			s.logger.Warn("login throttle unavailable", "error", err)
		} else if !allowed {
			return Session{}, ErrTooManyAttempts
		}
	}

	var profile Profile
	if _, err := docstore.ReadJSON(ctx, s.docs, ProfilePath(key), &profile); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			s.recordFailure(ctx, subject)
			return Session{}, ErrUnauthorized
		}
		return Session{}, fmt.Errorf("load profile: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(profile.SecretHash), []byte(req.Password)); err != nil {
		s.recordFailure(ctx, subject)
		return Session{}, ErrUnauthorized
	}

	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, subject); err != nil {
			s.logger.Warn("reset login throttle failed", "error", err)
		}
	}
	return s.issue(profile)
}

// Profile loads the public view of the profile stored under key.
func (s *Service) Profile(ctx context.Context, key string) (PublicProfile, error) {
	if !identity.ValidKey(key) {
		return PublicProfile{}, ErrNotFound
	}
	var profile Profile
	if _, err := docstore.ReadJSON(ctx, s.docs, ProfilePath(key), &profile); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return PublicProfile{}, ErrNotFound
		}
		return PublicProfile{}, fmt.Errorf("load profile: %w", err)
	}
	return profile.Public(), nil
}

func (s *Service) issue(profile Profile) (Session, error) {
	token, expiresAt, err := s.tokens.Issue(profile.CollectionKey, profile.DisplayName)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{
		Token:         token,
		ExpiresAt:     expiresAt,
		DisplayName:   profile.DisplayName,
		CollectionKey: profile.CollectionKey,
	}, nil
}

func (s *Service) recordFailure(ctx context.Context, subject string) {
	if s.limiter == nil {
		return
	}
	if err := s.limiter.Fail(ctx, subject); err != nil {
		s.logger.Warn("record failed login", "error", err)
	}
}
