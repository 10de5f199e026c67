// Package docstore keeps small JSON documents and binary files in a remote,
// versioned host. Every document carries a concurrency token and writes are
// compare-and-swap against it.
package docstore

import (
	"context"
	"errors"
	"path"
	"strings"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrConflict     = errors.New("document changed concurrently")
	ErrUnauthorized = errors.New("remote host rejected credentials")
	ErrRateLimited  = errors.New("remote host rate limited")
	ErrUnavailable  = errors.New("remote host unavailable")
	ErrInvalidPath  = errors.New("invalid document path")
)

// Token identifies one version of a document. The zero value means "the
// document must not exist yet" when passed to Write.
type Token string

type Document struct {
	Path  string
	Data  []byte
	Token Token
}

type Entry struct {
	Name  string
	Path  string
	IsDir bool
	Size  int64
}

type Store interface {
	// Read returns ErrNotFound when nothing is stored at p.
	Read(ctx context.Context, p string) (Document, error)
	// Write stores data at p if the stored token still equals token. An
	// empty token creates the document and fails with ErrConflict when it
	// already exists.
	Write(ctx context.Context, p string, data []byte, token Token, message string) (Token, error)
	// List returns the direct children of p. A missing directory yields an
	// empty slice.
	List(ctx context.Context, p string) ([]Entry, error)
}

// Pinger is implemented by backends that can cheaply check connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IsRetryable reports whether repeating the operation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// IsRemoteFailure reports whether err came from the host rather than from the
// caller's data.
func IsRemoteFailure(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// CleanPath validates a slash separated document path and returns it without
// leading or trailing slashes. Empty segments, "." and ".." are rejected.
func CleanPath(p string) (string, error) {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return "", nil
	}
	for _, part := range strings.Split(trimmed, "/") {
		if part == "" || part == "." || part == ".." {
			return "", ErrInvalidPath
		}
	}
	return path.Clean(trimmed), nil
}
