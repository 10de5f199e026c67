package authpw

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pawlenx/api/internal/auth"
	"pawlenx/api/internal/docstore"
	"pawlenx/api/internal/identity"
	"pawlenx/api/internal/logging"
	"pawlenx/api/internal/throttle"
)

type fakeCollections struct {
	initFn func(ctx context.Context, key string) error
	calls  []string
}

func (f *fakeCollections) Init(ctx context.Context, key string) error {
	f.calls = append(f.calls, key)
	if f.initFn != nil {
		return f.initFn(ctx, key)
	}
	return nil
}

func newTestService(t *testing.T, docs docstore.Store, opts ...Option) (*Service, *auth.TokenService) {
	t.Helper()
	tokens := auth.NewTokenService("test-secret", time.Hour)
	keys := identity.NewDeriver("test-salt", identity.Params{Time: 1, Memory: 1024, Threads: 1})
	opts = append([]Option{WithHashCost(bcrypt.MinCost)}, opts...)
	return NewService(docs, keys, tokens, throttle.NewMemoryLimiter(3, time.Minute), logging.Discard(), opts...), tokens
}

func TestSignUp(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemoryStore()
	collections := &fakeCollections{}
	svc, tokens := newTestService(t, docs, WithCollections(collections))

	t.Run("successful sign up", func(t *testing.T) {
		session, err := svc.SignUp(ctx, SignUpRequest{Name: "Jane Doe", Email: "jane@example.com", Password: "pw123"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if session.DisplayName != "Jane Doe" || !strings.HasPrefix(session.CollectionKey, "janedoe_") {
			t.Fatalf("unexpected session %+v", session)
		}
		claims, err := tokens.Verify(session.Token)
		if err != nil {
			t.Fatalf("token does not verify: %v", err)
		}
		if claims.CollectionKey() != session.CollectionKey {
			t.Fatalf("token subject %q, want %q", claims.CollectionKey(), session.CollectionKey)
		}
		if len(collections.calls) != 1 || collections.calls[0] != session.CollectionKey {
			t.Fatalf("expected collection init for %q, got %v", session.CollectionKey, collections.calls)
		}

		doc, err := docs.Read(ctx, ProfilePath(session.CollectionKey))
		if err != nil {
			t.Fatalf("profile not stored: %v", err)
		}
		if strings.Contains(string(doc.Data), "pw123") {
			t.Fatal("stored profile contains the plaintext secret")
		}
		if strings.Contains(session.CollectionKey, "pw123") {
			t.Fatal("collection key contains the plaintext secret")
		}
	})

	t.Run("duplicate sign up", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{Name: "Jane Doe", Email: "other@example.com", Password: "pw123"})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("same name different secret", func(t *testing.T) {
		if _, err := svc.SignUp(ctx, SignUpRequest{Name: "Jane Doe", Email: "jane2@example.com", Password: "another"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("validation", func(t *testing.T) {
		cases := map[string]SignUpRequest{
			"missing fields": {},
			"blank name":     {Name: "  ", Email: "a@example.com", Password: "x"},
			"bad email":      {Name: "A", Email: "not-an-email", Password: "x"},
			"long password":  {Name: "A", Email: "a@example.com", Password: strings.Repeat("x", 73)},
		}
		for name, req := range cases {
			if _, err := svc.SignUp(ctx, req); !errors.Is(err, ErrValidation) {
				t.Fatalf("%s: expected ErrValidation, got %v", name, err)
			}
		}
	})
}

func TestSignUpSurvivesCollectionInitFailure(t *testing.T) {
	collections := &fakeCollections{initFn: func(context.Context, string) error {
		return docstore.ErrUnavailable
	}}
	svc, _ := newTestService(t, docstore.NewMemoryStore(), WithCollections(collections))
	if _, err := svc.SignUp(context.Background(), SignUpRequest{Name: "Jane", Email: "jane@example.com", Password: "pw"}); err != nil {
		t.Fatalf("sign up should not fail when the pet collection cannot be created: %v", err)
	}
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	svc, tokens := newTestService(t, docstore.NewMemoryStore())

	created, err := svc.SignUp(ctx, SignUpRequest{Name: "Jane Doe", Email: "jane@example.com", Password: "pw123"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}

	t.Run("successful sign in is repeatable", func(t *testing.T) {
		first, err := svc.SignIn(ctx, SignInRequest{Name: "Jane Doe", Password: "pw123"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		second, err := svc.SignIn(ctx, SignInRequest{Name: "Jane Doe", Password: "pw123"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if first.Token == second.Token {
			t.Fatal("expected distinct tokens")
		}
		for _, s := range []Session{first, second} {
			if s.CollectionKey != created.CollectionKey {
				t.Fatalf("sign in resolved %q, want %q", s.CollectionKey, created.CollectionKey)
			}
			if _, err := tokens.Verify(s.Token); err != nil {
				t.Fatalf("token does not verify: %v", err)
			}
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, SignInRequest{Name: "Jane Doe", Password: "nope"}); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, SignInRequest{Name: "Nobody", Password: "pw123"}); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, SignInRequest{}); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
	})
}

func TestSignInThrottlesRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, docstore.NewMemoryStore())
	if _, err := svc.SignUp(ctx, SignUpRequest{Name: "Jane", Email: "jane@example.com", Password: "right"}); err != nil {
		t.Fatalf("sign up: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.SignIn(ctx, SignInRequest{Name: "Jane", Password: "wrong"}); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("attempt %d: expected ErrUnauthorized, got %v", i, err)
		}
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Name: "Jane", Password: "right"}); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Name: "Someone Else", Password: "x"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("other names must not be throttled, got %v", err)
	}
}

func TestSignInThrottleSharesNormalizedName(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, docstore.NewMemoryStore())
	if _, err := svc.SignUp(ctx, SignUpRequest{Name: "Jane", Email: "jane@example.com", Password: "right"}); err != nil {
		t.Fatalf("sign up: %v", err)
	}

	for i, variant := range []string{"Jane", "JANE", " j-a-n-e "} {
		if _, err := svc.SignIn(ctx, SignInRequest{Name: variant, Password: "wrong"}); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("attempt %d (%q): expected ErrUnauthorized, got %v", i, variant, err)
		}
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Name: "jane", Password: "right"}); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected variants to share one counter, got %v", err)
	}
}

func TestSignInSurfacesStoreOutage(t *testing.T) {
	docs := docstore.WithTimeout(outageStore{}, time.Second)
	svc, _ := newTestService(t, docs)
	_, err := svc.SignIn(context.Background(), SignInRequest{Name: "Jane", Password: "pw"})
	if !errors.Is(err, docstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestProfile(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	svc, _ := newTestService(t, docstore.NewMemoryStore(), WithClock(func() time.Time { return now }))
	session, err := svc.SignUp(ctx, SignUpRequest{Name: "Jane Doe", Email: "jane@example.com", Password: "pw123"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}

	profile, err := svc.Profile(ctx, session.CollectionKey)
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	if profile.DisplayName != "Jane Doe" || profile.Email != "jane@example.com" || !profile.CreatedAt.Equal(now) {
		t.Fatalf("unexpected profile %+v", profile)
	}

	if _, err := svc.Profile(ctx, "janedoe_aaaaaaaaaaaaaaaaaaaaaaaaaa"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown key, got %v", err)
	}
	if _, err := svc.Profile(ctx, "../../etc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for malformed key, got %v", err)
	}
}

type outageStore struct{}

func (outageStore) Read(context.Context, string) (docstore.Document, error) {
	return docstore.Document{}, docstore.ErrUnavailable
}

func (outageStore) Write(context.Context, string, []byte, docstore.Token, string) (docstore.Token, error) {
	return "", docstore.ErrUnavailable
}

func (outageStore) List(context.Context, string) ([]docstore.Entry, error) {
	return nil, docstore.ErrUnavailable
}
