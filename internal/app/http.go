package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"pawlenx/api/internal/auth"
	"pawlenx/api/internal/ingest"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temp files.
const multipartMemory = 8 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"service":   "pawlenx-backend",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/applications/submit" {
		s.handleSubmitApplication(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/applications" {
		items, err := s.service.ListApplications(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"total": len(items), "applications": items})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "user" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "dashboard" {
		dashboard, err := s.service.Dashboard(r.Context(), session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, dashboard)
		return
	}

	if len(parts) >= 3 && parts[2] == "pets" {
		s.handlePets(w, r, session, parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := s.service.Ready(ctx)
	checks := map[string]any{}
	for _, check := range s.service.checks {
		if err, failed := failures[check.Name]; failed {
			checks[check.Name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[check.Name] = map[string]any{"status": "ok"}
	}

	status, statusCode := "ready", http.StatusOK
	if len(failures) > 0 {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     len(failures) == 0,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body signupRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := body.validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	session, err := s.service.SignUp(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":   true,
		"token":     session.Token,
		"name":      session.DisplayName,
		"expiresAt": session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := body.validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	session, err := s.service.SignIn(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"token":     session.Token,
		"name":      session.DisplayName,
		"expiresAt": session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handlePets(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		req, photo, cleanup, err := s.readPetRequest(w, r)
		defer cleanup()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if err := req.validate(true); err != nil {
			s.fail(w, r, err)
			return
		}
		pet, err := s.service.AddPet(r.Context(), session, req, photo)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "pet": pet})

	case len(rest) == 1 && r.Method == http.MethodPut:
		req, photo, cleanup, err := s.readPetRequest(w, r)
		defer cleanup()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if err := req.validate(false); err != nil {
			s.fail(w, r, err)
			return
		}
		pet, err := s.service.UpdatePet(r.Context(), session, rest[0], req, photo)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "pet": pet})

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.RemovePet(r.Context(), session, rest[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// readPetRequest accepts a JSON body, optionally carrying petPhoto as a data
// URI, or a multipart form with an optional photo part.
func (s *HTTPServer) readPetRequest(w http.ResponseWriter, r *http.Request) (petRequest, *ingest.Part, func(), error) {
	noop := func() {}
	if !isMultipart(r) {
		var body petRequest
		// base64 inflates an embedded photo by a third.
		limit := s.service.MaxUploadBytes()*4/3 + 64<<10
		if err := decodeLargeBody(w, r, limit, &body); err != nil {
			return petRequest{}, nil, noop, err
		}
		photo, err := body.photoPart()
		if err != nil {
			return petRequest{}, nil, noop, err
		}
		return body, photo, noop, nil
	}

	form, err := s.parseMultipart(w, r, 1)
	if err != nil {
		return petRequest{}, nil, noop, err
	}
	cleanup := func() { _ = form.RemoveAll() }
	req, err := petRequestFromForm(form.Value)
	if err != nil {
		return petRequest{}, nil, cleanup, err
	}
	photo, closer, err := openPart(form, "photo")
	if err != nil {
		return petRequest{}, nil, cleanup, err
	}
	return req, photo, func() { closer(); cleanup() }, nil
}

func (s *HTTPServer) handleSubmitApplication(w http.ResponseWriter, r *http.Request) {
	if !isMultipart(r) {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Expected multipart/form-data", nil)
		return
	}
	form, err := s.parseMultipart(w, r, 2)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer form.RemoveAll()

	application, closeApplication, err := openPart(form, "application")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer closeApplication()
	resume, closeResume, err := openPart(form, "resume")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer closeResume()

	if application == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "No application document received", nil)
		return
	}

	submission, err := s.service.SubmitApplication(r.Context(), ingest.ApplicationForm{
		ApplicantName: formValue(form, "applicantName"),
		JobTitle:      formValue(form, "jobTitle"),
		Email:         formValue(form, "email"),
		Application:   application,
		Resume:        resume,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Application received successfully",
		"data":    submission,
	})
}

// parseMultipart bounds the whole body to room for the given number of
// uploads plus the text fields.
func (s *HTTPServer) parseMultipart(w http.ResponseWriter, r *http.Request, files int64) (*multipart.Form, error) {
	limit := files*s.service.MaxUploadBytes() + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, err
		}
		if strings.Contains(err.Error(), "request body too large") {
			return nil, &http.MaxBytesError{Limit: limit}
		}
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "Malformed multipart body", nil)
	}
	return r.MultipartForm, nil
}

func openPart(form *multipart.Form, field string) (*ingest.Part, func(), error) {
	headers := form.File[field]
	if len(headers) == 0 {
		return nil, func() {}, nil
	}
	header := headers[0]
	file, err := header.Open()
	if err != nil {
		return nil, func() {}, fmt.Errorf("open %s: %w", field, err)
	}
	part := &ingest.Part{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Content:     file,
	}
	return part, func() { _ = file.Close() }, nil
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// fail maps err to the error envelope. Server side failures are logged with
// the request id; client errors are not.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", requestIDFrom(r.Context()),
			"path", r.URL.Path,
			"code", code,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// decodeLargeBody is decodeBody for payloads that may embed a photo. Going
// over limit yields an *http.MaxBytesError instead of a parse failure.
func decodeLargeBody(w http.ResponseWriter, r *http.Request, limit int64, target any) error {
	if r.Body == nil {
		return nil
	}
	body := http.MaxBytesReader(w, r.Body, limit)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return err
		case errors.Is(err, io.EOF):
			return nil
		}
		return domainError(http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
