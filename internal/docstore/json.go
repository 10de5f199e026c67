package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// ReadJSON decodes the document at p into v and returns its token.
func ReadJSON(ctx context.Context, s Store, p string, v any) (Token, error) {
	doc, err := s.Read(ctx, p)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(doc.Data, v); err != nil {
		return "", fmt.Errorf("decode %s: %w", p, err)
	}
	return doc.Token, nil
}

func WriteJSON(ctx context.Context, s Store, p string, v any, token Token, message string) (Token, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", p, err)
	}
	return s.Write(ctx, p, append(payload, '\n'), token, message)
}

// RetryPolicy bounds the read-modify-write loop in Update.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Attempts: 8, Base: 20 * time.Millisecond, Max: 500 * time.Millisecond}

func (p RetryPolicy) backoff() retry.Backoff {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Base <= 0 {
		p.Base = DefaultRetryPolicy.Base
	}
	if p.Max <= 0 {
		p.Max = DefaultRetryPolicy.Max
	}
	b := retry.NewExponential(p.Base)
	b = retry.WithJitter(p.Base/2, b)
	b = retry.WithCappedDuration(p.Max, b)
	return retry.WithMaxRetries(uint64(p.Attempts-1), b)
}

// Update reads the JSON document at p, applies mutate and writes the result
// back against the token it read. On ErrConflict the whole cycle repeats with
// backoff, so mutate must be safe to run more than once. exists is false when
// the document is absent; mutate then starts from the zero value.
//
// Errors returned by mutate abort the loop unchanged. After the last attempt
// the final ErrConflict is returned.
func Update[T any](ctx context.Context, s Store, p string, mutate func(doc *T, exists bool) error, message string, policy RetryPolicy) (T, error) {
	var result T
	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		var doc T
		token, err := ReadJSON(ctx, s, p, &doc)
		exists := true
		if errors.Is(err, ErrNotFound) {
			exists = false
			token = ""
		} else if err != nil {
			return err
		}
		if err := mutate(&doc, exists); err != nil {
			return err
		}
		if _, err := WriteJSON(ctx, s, p, doc, token, message); err != nil {
			if errors.Is(err, ErrConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		result = doc
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
