// Package ingest accepts uploaded files, stages them atomically on local disk
// and replicates them to the document store on a best-effort basis.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"pawlenx/api/internal/docstore"
	"pawlenx/api/internal/email"
	"pawlenx/api/internal/store"
)

var (
	ErrValidation      = errors.New("invalid submission")
	ErrTooLarge        = errors.New("file too large")
	ErrUnsupportedType = errors.New("unsupported file type")
)

const DefaultMaxBytes int64 = 10 * 1024 * 1024

const (
	typePDF  = "application/pdf"
	typeDOC  = "application/msword"
	typeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

var (
	applicationTypes = map[string]string{typePDF: ".pdf"}
	resumeTypes      = map[string]string{typePDF: ".pdf", typeDOC: ".doc", typeDOCX: ".docx"}
	photoTypes       = map[string]string{"image/jpeg": ".jpg", "image/png": ".png", "image/gif": ".gif", "image/webp": ".webp"}
)

// Part is one uploaded file. Content is read at most once.
type Part struct {
	FileName    string
	ContentType string
	Content     io.Reader
}

// Notifier is told about every staged application.
type Notifier interface {
	NotifyApplication(ctx context.Context, notice email.ApplicationNotice) error
}

type Options struct {
	ApplicationsDir string
	PhotosDir       string
	MaxBytes        int64
	RemoteTimeout   time.Duration
}

type Option func(*Pipeline)

func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

type Pipeline struct {
	docs            docstore.Store
	ledger          store.Ledger
	notifier        Notifier
	logger          *slog.Logger
	applicationsDir string
	photosDir       string
	maxBytes        int64
	now             func() time.Time
	notifyTimeout   time.Duration
}

func NewPipeline(docs docstore.Store, ledger store.Ledger, opts Options, logger *slog.Logger, extra ...Option) *Pipeline {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	p := &Pipeline{
		docs:            docstore.WithTimeout(docs, opts.RemoteTimeout),
		ledger:          ledger,
		logger:          logger,
		applicationsDir: opts.ApplicationsDir,
		photosDir:       opts.PhotosDir,
		maxBytes:        opts.MaxBytes,
		now:             time.Now,
		notifyTimeout:   30 * time.Second,
	}
	for _, opt := range extra {
		opt(p)
	}
	return p
}

// accept reads part fully and checks its declared type against allowed. It
// returns the canonical media type, the payload and the file extension to
// store it under.
func (p *Pipeline) accept(field string, part *Part, allowed map[string]string) (string, []byte, string, error) {
	mediaType := declaredType(part)
	ext, ok := allowed[mediaType]
	if !ok {
		return "", nil, "", fmt.Errorf("%w: %s must not be %q", ErrUnsupportedType, field, mediaType)
	}

	data, err := io.ReadAll(io.LimitReader(part.Content, p.maxBytes+1))
	if err != nil {
		return "", nil, "", fmt.Errorf("read %s: %w", field, err)
	}
	if int64(len(data)) > p.maxBytes {
		return "", nil, "", fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, field, p.maxBytes)
	}
	if len(data) == 0 {
		return "", nil, "", fmt.Errorf("%w: %s is empty", ErrValidation, field)
	}
	if mediaType == typePDF && !bytes.HasPrefix(data, []byte("%PDF-")) {
		return "", nil, "", fmt.Errorf("%w: %s is not a PDF document", ErrUnsupportedType, field)
	}

	if fromName := strings.ToLower(filepath.Ext(part.FileName)); fromName != "" {
		for _, known := range allowed {
			if known == fromName || (known == ".jpg" && fromName == ".jpeg") {
				ext = fromName
				break
			}
		}
	}
	return mediaType, data, ext, nil
}

func declaredType(part *Part) string {
	declared := strings.TrimSpace(part.ContentType)
	if declared == "" || declared == "application/octet-stream" {
		declared = mime.TypeByExtension(strings.ToLower(filepath.Ext(part.FileName)))
	}
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return strings.ToLower(declared)
	}
	return mediaType
}

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
	underscores = regexp.MustCompile(`_{2,}`)
)

// SanitizeName turns an applicant name into a file name fragment. Leading
// dots are dropped as well so staged folders never become hidden.
func SanitizeName(name string) string {
	safe := unsafeChars.ReplaceAllString(strings.TrimSpace(name), "_")
	safe = underscores.ReplaceAllString(safe, "_")
	safe = strings.TrimRight(strings.TrimLeft(safe, "._"), "_")
	if safe == "" {
		return "Unknown"
	}
	return safe
}

const timestampLayout = "2006-01-02T15:04:05.000Z"

var timestampReplacer = strings.NewReplacer(":", "-", ".", "-")

// FormatTimestamp renders t as UTC ISO-8601 with milliseconds, made safe for
// file names, e.g. 2026-10-16T09-30-00-123Z.
func FormatTimestamp(t time.Time) string {
	return timestampReplacer.Replace(t.UTC().Format(timestampLayout))
}

// ParseTimestamp is the inverse of FormatTimestamp.
func ParseTimestamp(s string) (time.Time, bool) {
	if len(s) != len(timestampLayout) {
		return time.Time{}, false
	}
	b := []byte(s)
	b[13], b[16], b[19] = ':', ':', '.'
	t, err := time.Parse(timestampLayout, string(b))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// replicate copies staged files to the document store with create-only
// writes. A remote file that already holds the same bytes counts as done.
func (p *Pipeline) replicate(ctx context.Context, files []store.LedgerFile, message string) error {
	for _, f := range files {
		data, err := readLocal(f.LocalPath)
		if err != nil {
			return err
		}
		if err := p.writeRemote(ctx, f.RemotePath, data, message); err != nil {
			return err
		}
	}
	return nil
}

var errRemoteMismatch = errors.New("remote file differs from staged copy")

func (p *Pipeline) writeRemote(ctx context.Context, remotePath string, data []byte, message string) error {
	_, err := p.docs.Write(ctx, remotePath, data, "", message)
	if err == nil {
		return nil
	}
	if !errors.Is(err, docstore.ErrConflict) {
		return fmt.Errorf("replicate %s: %w", remotePath, err)
	}
	existing, readErr := p.docs.Read(ctx, remotePath)
	if readErr != nil {
		return fmt.Errorf("replicate %s: %w", remotePath, readErr)
	}
	if !bytes.Equal(existing.Data, data) {
		return fmt.Errorf("replicate %s: %w", remotePath, errRemoteMismatch)
	}
	return nil
}

func (p *Pipeline) notify(ctx context.Context, notice email.ApplicationNotice) {
	if p.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.notifyTimeout)
	go func() {
		defer cancel()
		if err := p.notifier.NotifyApplication(ctx, notice); err != nil && !errors.Is(err, email.ErrNotConfigured) {
			p.logger.Warn("application notification failed", "folder", notice.Folder, "error", err)
		}
	}()
}
