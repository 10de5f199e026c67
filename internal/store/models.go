package store

import (
	"context"
	"errors"
	"time"
)

var ErrRecordNotFound = errors.New("ledger record not found")

type Kind string

const (
	KindApplication Kind = "application"
	KindPhoto       Kind = "photo"
)

// LedgerFile pairs a staged local file with its remote destination.
type LedgerFile struct {
	LocalPath  string `json:"localPath"`
	RemotePath string `json:"remotePath"`
}

// LedgerRecord tracks remote replication of one staged submission.
type LedgerRecord struct {
	ID           string
	Kind         Kind
	Folder       string
	Files        []LedgerFile
	Replicated   bool
	Abandoned    bool
	Attempts     int
	LastError    string
	ReceivedAt   time.Time
	ReplicatedAt *time.Time
}

// Ledger persists replication state. Pending records are neither replicated
// nor abandoned.
type Ledger interface {
	Record(ctx context.Context, rec LedgerRecord) error
	ListPending(ctx context.Context, limit int) ([]LedgerRecord, error)
	MarkReplicated(ctx context.Context, id string, at time.Time) error
	// MarkFailed counts an attempt. abandon stops further retries.
	MarkFailed(ctx context.Context, id, reason string, abandon bool) error
	Ping(ctx context.Context) error
}
