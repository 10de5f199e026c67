package app

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"pawlenx/api/internal/auth"
	"pawlenx/api/internal/authpw"
	"pawlenx/api/internal/config"
)

func TestSignUpReturnsContract(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	rr := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"name":     "  Avery  ",
		"email":    "avery@example.com",
		"password": "hunter22",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	payload := decodeMap(t, rr)
	if payload["success"] != true {
		t.Fatalf("expected success=true, got %v", payload["success"])
	}
	if token, _ := payload["token"].(string); token == "" {
		t.Fatalf("expected token")
	}
	if payload["name"] != "Avery" {
		t.Fatalf("expected name Avery, got %v", payload["name"])
	}
}

func TestSignUpDuplicateReturnsConflict(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	env.signUp(t, "Avery", "hunter22")

	rr := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"name":     "Avery",
		"email":    "other@example.com",
		"password": "hunter22",
	})
	assertErrorCode(t, rr, http.StatusConflict, "CONFLICT")
}

func TestSignUpValidation(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	rr := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"name": "Avery", "password": "x"})
	assertErrorCode(t, rr, http.StatusBadRequest, "VALIDATION_ERROR")

	rr = env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"name": "Avery", "email": "not-an-email", "password": "x"})
	assertErrorCode(t, rr, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestLoginIsIdempotentWithDistinctTokens(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	signupToken := env.signUp(t, "Avery", "hunter22")

	first := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"name": "Avery", "password": "hunter22"})
	second := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"name": "Avery", "password": "hunter22"})
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200 twice, got %d and %d", first.Code, second.Code)
	}

	a, _ := decodeMap(t, first)["token"].(string)
	b, _ := decodeMap(t, second)["token"].(string)
	if a == "" || b == "" || a == b || a == signupToken {
		t.Fatalf("expected distinct tokens, got %q %q", a, b)
	}
	for _, token := range []string{a, b} {
		if rr := env.do(t, http.MethodGet, "/api/user/dashboard", token, nil); rr.Code != http.StatusOK {
			t.Fatalf("dashboard with login token: %d body=%s", rr.Code, rr.Body.String())
		}
	}
}

func TestLoginWrongPasswordThenThrottled(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	env.signUp(t, "Avery", "hunter22")

	for i := 0; i < 3; i++ {
		rr := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"name": "Avery", "password": "wrong"})
		assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
	}

	rr := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"name": "Avery", "password": "hunter22"})
	assertErrorCode(t, rr, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS")
}

func TestLoginUnknownUser(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	rr := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"name": "Nobody", "password": "x"})
	assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestLoginRejectsInvalidBody(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	rr := env.do(t, http.MethodPost, "/api/auth/login", "", `{"name":`)
	assertErrorCode(t, rr, http.StatusBadRequest, "INVALID_BODY")
}

func TestProfileDocumentHasNoPlaintextSecret(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	token := env.signUp(t, "Avery", "plaintext-secret")

	session, err := env.server.service.SessionFromToken(token)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	doc, err := env.docs.Read(t.Context(), authpw.ProfilePath(session.CollectionKey))
	if err != nil {
		t.Fatalf("read profile: %v", err)
	}
	if bytes.Contains(doc.Data, []byte("plaintext-secret")) {
		t.Fatalf("profile document contains the plaintext secret")
	}
}

func TestProtectedRouteWithoutBearerReturnsUnauthorized(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	rr := env.do(t, http.MethodGet, "/api/user/dashboard", "", nil)
	assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestProtectedRouteWithInvalidBearerReturnsUnauthorized(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	rr := env.do(t, http.MethodGet, "/api/user/dashboard", "definitely-not-a-token", nil)
	assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestProtectedRouteWithExpiredBearerReturnsUnauthorized(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	token, err := auth.IssueToken([]byte(testSecret), "avery_abcdefghijklmnopqrstuvwxyz", "Avery", time.Now().Add(-2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	rr := env.do(t, http.MethodGet, "/api/user/dashboard", token, nil)
	assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}
