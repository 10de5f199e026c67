package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WithTimeout bounds every call on s by d. A call that runs out of time fails
// with ErrUnavailable. A zero or negative d returns s unchanged.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	return &timeoutStore{next: s, timeout: d}
}

type timeoutStore struct {
	next    Store
	timeout time.Duration
}

func (t *timeoutStore) Read(ctx context.Context, p string) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	doc, err := t.next.Read(ctx, p)
	return doc, t.mapErr(ctx, err)
}

func (t *timeoutStore) Write(ctx context.Context, p string, data []byte, token Token, message string) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	next, err := t.next.Write(ctx, p, data, token, message)
	return next, t.mapErr(ctx, err)
}

func (t *timeoutStore) List(ctx context.Context, p string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	entries, err := t.next.List(ctx, p)
	return entries, t.mapErr(ctx, err)
}

func (t *timeoutStore) Ping(ctx context.Context) error {
	pinger, ok := t.next.(Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.mapErr(ctx, pinger.Ping(ctx))
}

func (t *timeoutStore) mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: timed out after %s: %v", ErrUnavailable, t.timeout, err)
	}
	return err
}
