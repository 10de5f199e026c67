package app

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pawlenx/api/internal/auth"
	"pawlenx/api/internal/authpw"
	"pawlenx/api/internal/config"
	"pawlenx/api/internal/docstore"
	"pawlenx/api/internal/identity"
	"pawlenx/api/internal/ingest"
	"pawlenx/api/internal/logging"
	"pawlenx/api/internal/pets"
	"pawlenx/api/internal/store"
	"pawlenx/api/internal/throttle"
)

const testSecret = "test-secret"

type fakePinger struct {
	pingFn func(context.Context) error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type testEnv struct {
	server  *HTTPServer
	handler http.Handler
	docs    *docstore.MemoryStore
	ledger  *store.MemoryLedger
	root    string
}

func newTestEnv(t *testing.T, cfg config.Config, checks ...Check) *testEnv {
	t.Helper()
	root := t.TempDir()
	logger := logging.Discard()
	docs := docstore.NewMemoryStore()
	ledger := store.NewMemoryLedger()

	tokens := auth.NewTokenService(testSecret, time.Hour)
	keys := identity.NewDeriver("test-salt", identity.Params{Time: 1, Memory: 1024, Threads: 1})
	registry := pets.NewRegistry(docs, docstore.DefaultRetryPolicy, logger)
	authSvc := authpw.NewService(docs, keys, tokens, throttle.NewMemoryLimiter(3, time.Minute), logger,
		authpw.WithHashCost(bcrypt.MinCost),
		authpw.WithCollections(registry),
	)
	pipeline := ingest.NewPipeline(docs, ledger, ingest.Options{
		ApplicationsDir: filepath.Join(root, "applications"),
		PhotosDir:       filepath.Join(root, "photos"),
		MaxBytes:        cfg.UploadMaxBytes,
		RemoteTimeout:   time.Second,
	}, logger)

	svc := New(cfg, Deps{
		Auth:   authSvc,
		Tokens: tokens,
		Pets:   registry,
		Ingest: pipeline,
		Checks: checks,
	})
	server := NewHTTPServer(svc, "*", logger)
	return &testEnv{server: server, handler: server.Handler(), docs: docs, ledger: ledger, root: root}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) send(t *testing.T, req *http.Request, token string) *httptest.ResponseRecorder {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) signUp(t *testing.T, name, password string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"name":     name,
		"email":    "owner@example.com",
		"password": password,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatalf("signup: expected token, got %v", payload)
	}
	return token
}

type filePart struct {
	field       string
	fileName    string
	contentType string
	data        []byte
}

func multipartRequest(t *testing.T, method, path string, fields map[string]string, files ...filePart) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for _, f := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="`+f.field+`"; filename="`+f.fileName+`"`)
		header.Set("Content-Type", f.contentType)
		w, err := mw.CreatePart(header)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := w.Write(f.data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	if payload["code"] != code {
		t.Fatalf("expected code %s, got %v", code, payload["code"])
	}
	if msg, _ := payload["error"].(string); msg == "" {
		t.Fatalf("expected error message, got %v", payload)
	}
}
