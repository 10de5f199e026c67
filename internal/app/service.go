package app

import (
	"context"
	"time"

	"pawlenx/api/internal/auth"
	"pawlenx/api/internal/authpw"
	"pawlenx/api/internal/config"
	"pawlenx/api/internal/ingest"
	"pawlenx/api/internal/pets"
)

// TokenVerifier checks bearer tokens.
type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// Pinger is a dependency probed by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Check struct {
	Name   string
	Pinger Pinger
}

type Deps struct {
	Auth   *authpw.Service
	Tokens TokenVerifier
	Pets   *pets.Registry
	Ingest *ingest.Pipeline
	Checks []Check
}

type Service struct {
	cfg    config.Config
	auth   *authpw.Service
	tokens TokenVerifier
	pets   *pets.Registry
	ingest *ingest.Pipeline
	checks []Check
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:    cfg,
		auth:   deps.Auth,
		tokens: deps.Tokens,
		pets:   deps.Pets,
		ingest: deps.Ingest,
		checks: deps.Checks,
	}
}

// Session is the authenticated caller.
type Session struct {
	CollectionKey string
	DisplayName   string
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return Session{}, err
	}
	return Session{CollectionKey: claims.CollectionKey(), DisplayName: claims.Name}, nil
}

func (s *Service) SignUp(ctx context.Context, req signupRequest) (authpw.Session, error) {
	return s.auth.SignUp(ctx, authpw.SignUpRequest{Name: req.Name, Email: req.Email, Password: req.Password})
}

func (s *Service) SignIn(ctx context.Context, req loginRequest) (authpw.Session, error) {
	return s.auth.SignIn(ctx, authpw.SignInRequest{Name: req.Name, Password: req.Password})
}

type Dashboard struct {
	Name      string        `json:"name"`
	Email     string        `json:"email"`
	CreatedAt time.Time     `json:"createdAt"`
	Pets      []pets.Record `json:"pets"`
}

func (s *Service) Dashboard(ctx context.Context, session Session) (Dashboard, error) {
	profile, err := s.auth.Profile(ctx, session.CollectionKey)
	if err != nil {
		return Dashboard{}, err
	}
	records, err := s.pets.List(ctx, session.CollectionKey)
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{
		Name:      profile.DisplayName,
		Email:     profile.Email,
		CreatedAt: profile.CreatedAt,
		Pets:      records,
	}, nil
}

func (s *Service) AddPet(ctx context.Context, session Session, req petRequest, photo *ingest.Part) (pets.Record, error) {
	fields := req.fields()
	if photo != nil {
		staged, err := s.ingest.StagePhoto(ctx, session.CollectionKey, photo)
		if err != nil {
			return pets.Record{}, err
		}
		fields.Photo = staged.RemotePath
	}
	return s.pets.Add(ctx, session.CollectionKey, fields)
}

func (s *Service) UpdatePet(ctx context.Context, session Session, id string, req petRequest, photo *ingest.Part) (pets.Record, error) {
	patch := req.patch()
	if photo != nil {
		// Stage only for a pet that exists, so a bad id leaves no orphan photo.
		if _, err := s.pets.Get(ctx, session.CollectionKey, id); err != nil {
			return pets.Record{}, err
		}
		staged, err := s.ingest.StagePhoto(ctx, session.CollectionKey, photo)
		if err != nil {
			return pets.Record{}, err
		}
		patch.Photo = &staged.RemotePath
	}
	return s.pets.Update(ctx, session.CollectionKey, id, patch)
}

func (s *Service) RemovePet(ctx context.Context, session Session, id string) error {
	return s.pets.Remove(ctx, session.CollectionKey, id)
}

func (s *Service) SubmitApplication(ctx context.Context, form ingest.ApplicationForm) (ingest.Submission, error) {
	return s.ingest.Submit(ctx, form)
}

func (s *Service) ListApplications(ctx context.Context) ([]ingest.ApplicationSummary, error) {
	return s.ingest.ListApplications(ctx)
}

// Ready pings every registered dependency and returns the failures by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, check := range s.checks {
		if check.Pinger == nil {
			continue
		}
		if err := check.Pinger.Ping(ctx); err != nil {
			failures[check.Name] = err
		}
	}
	return failures
}

func (s *Service) MaxUploadBytes() int64 {
	if s.cfg.UploadMaxBytes > 0 {
		return s.cfg.UploadMaxBytes
	}
	return ingest.DefaultMaxBytes
}
