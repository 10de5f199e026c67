package docstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps documents in process memory. Tokens are content hashes
// salted with a write counter, so rewriting identical bytes still yields a
// new token.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string]memoryDoc
	writes uint64
}

type memoryDoc struct {
	data  []byte
	token Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]memoryDoc)}
}

func (m *MemoryStore) Read(ctx context.Context, p string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	clean, err := filePath(p)
	if err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[clean]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{Path: clean, Data: append([]byte(nil), doc.data...), Token: doc.token}, nil
}

func (m *MemoryStore) Write(ctx context.Context, p string, data []byte, token Token, _ string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean, err := filePath(p)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.docs[clean]
	switch {
	case token == "" && exists:
		return "", ErrConflict
	case token != "" && (!exists || current.token != token):
		return "", ErrConflict
	}
	m.writes++
	sum := sha1.New()
	sum.Write(data)
	sum.Write([]byte{byte(m.writes), byte(m.writes >> 8), byte(m.writes >> 16), byte(m.writes >> 24)})
	next := Token(hex.EncodeToString(sum.Sum(nil)))
	m.docs[clean] = memoryDoc{data: append([]byte(nil), data...), token: next}
	return next, nil
}

func (m *MemoryStore) List(ctx context.Context, p string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if clean != "" {
		prefix = clean + "/"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]Entry)
	for key, doc := range m.docs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		name, _, nested := strings.Cut(rest, "/")
		if nested {
			seen[name] = Entry{Name: name, Path: prefix + name, IsDir: true}
			continue
		}
		seen[name] = Entry{Name: name, Path: key, Size: int64(len(doc.data))}
	}
	entries := make([]Entry, 0, len(seen))
	for _, entry := range seen {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func filePath(p string) (string, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return "", ErrInvalidPath
	}
	return clean, nil
}
