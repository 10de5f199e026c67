package ingest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pawlenx/api/internal/docstore"
	"pawlenx/api/internal/email"
	"pawlenx/api/internal/logging"
	"pawlenx/api/internal/store"
)

const testKey = "janedoe_abcdefghijklmnopqrstuvwxyz"

var fixedNow = time.Date(2026, 10, 16, 9, 30, 0, 123_000_000, time.UTC)

func pdf(body string) []byte {
	return []byte("%PDF-1.7\n" + body)
}

func pdfPart(body string) *Part {
	return &Part{FileName: "application.pdf", ContentType: "application/pdf", Content: bytes.NewReader(pdf(body))}
}

type fixture struct {
	pipeline *Pipeline
	docs     *flakyStore
	ledger   *store.MemoryLedger
	root     string
}

func newFixture(t *testing.T, extra ...Option) fixture {
	t.Helper()
	root := t.TempDir()
	docs := &flakyStore{Store: docstore.NewMemoryStore()}
	ledger := store.NewMemoryLedger()
	opts := append([]Option{WithClock(func() time.Time { return fixedNow })}, extra...)
	p := NewPipeline(docs, ledger, Options{
		ApplicationsDir: filepath.Join(root, "applications"),
		PhotosDir:       filepath.Join(root, "photos"),
		RemoteTimeout:   time.Second,
	}, logging.Discard(), opts...)
	return fixture{pipeline: p, docs: docs, ledger: ledger, root: root}
}

// flakyStore fails every call while down is set, with downErr or
// ErrUnavailable. Set downErr before flipping down.
type flakyStore struct {
	docstore.Store
	down    atomic.Bool
	downErr error
}

func (f *flakyStore) failure() error {
	if f.downErr != nil {
		return f.downErr
	}
	return docstore.ErrUnavailable
}

func (f *flakyStore) Read(ctx context.Context, p string) (docstore.Document, error) {
	if f.down.Load() {
		return docstore.Document{}, f.failure()
	}
	return f.Store.Read(ctx, p)
}

func (f *flakyStore) Write(ctx context.Context, p string, data []byte, token docstore.Token, message string) (docstore.Token, error) {
	if f.down.Load() {
		return "", f.failure()
	}
	return f.Store.Write(ctx, p, data, token, message)
}

type fakeNotifier struct {
	notices chan email.ApplicationNotice
	err     error
}

func (f *fakeNotifier) NotifyApplication(_ context.Context, n email.ApplicationNotice) error {
	f.notices <- n
	return f.err
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"Jane Doe":          "Jane_Doe",
		"  Jane   Doe  ":    "Jane_Doe",
		"José O'Neil":       "Jos_O_Neil",
		"../../etc/passwd":  "etc_passwd",
		"___":               "Unknown",
		"":                  "Unknown",
		"a.b-c_d":           "a.b-c_d",
		"Name!!!With@@Junk": "Name_With_Junk",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeName(in), "SanitizeName(%q)", in)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	s := FormatTimestamp(fixedNow)
	assert.Equal(t, "2026-10-16T09-30-00-123Z", s)

	parsed, ok := ParseTimestamp(s)
	require.True(t, ok)
	assert.True(t, parsed.Equal(fixedNow))

	_, ok = ParseTimestamp("not-a-timestamp")
	assert.False(t, ok)
}

func TestSubmitStagesAndReplicates(t *testing.T) {
	notifier := &fakeNotifier{notices: make(chan email.ApplicationNotice, 1)}
	f := newFixture(t, WithNotifier(notifier))
	ctx := context.Background()

	sub, err := f.pipeline.Submit(ctx, ApplicationForm{
		ApplicantName: "Jane Doe",
		JobTitle:      "Vet Tech",
		Email:         "jane@example.com",
		Application:   pdfPart("application"),
		Resume:        &Part{FileName: "cv.docx", ContentType: typeDOCX, Content: strings.NewReader("PK docx bytes")},
	})
	require.NoError(t, err)

	assert.Equal(t, "Jane_Doe_2026-10-16T09-30-00-123Z", sub.Folder)
	assert.Equal(t, "Jane_Doe_Application.pdf", sub.ApplicationFile)
	assert.Equal(t, "Jane_Doe_Resume.docx", sub.ResumeFile)
	assert.True(t, sub.Replicated)
	assert.Equal(t, "Jane Doe", sub.ApplicantName)

	local, err := os.ReadFile(filepath.Join(f.root, "applications", sub.Folder, sub.ApplicationFile))
	require.NoError(t, err)
	assert.Equal(t, pdf("application"), local)

	remote, err := f.docs.Read(ctx, "applications/"+sub.Folder+"/"+sub.ResumeFile)
	require.NoError(t, err)
	assert.Equal(t, "PK docx bytes", string(remote.Data))

	pending, err := f.ledger.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	select {
	case notice := <-notifier.notices:
		assert.Equal(t, sub.Folder, notice.Folder)
		assert.True(t, notice.Replicated)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not sent")
	}
}

func TestSubmitCollisionAdvancesTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipeline.Submit(ctx, ApplicationForm{ApplicantName: "Jane Doe", Application: pdfPart("one")})
	require.NoError(t, err)
	second, err := f.pipeline.Submit(ctx, ApplicationForm{ApplicantName: "Jane Doe", Application: pdfPart("two")})
	require.NoError(t, err)

	assert.Equal(t, "Jane_Doe_2026-10-16T09-30-00-123Z", first.Folder)
	assert.Equal(t, "Jane_Doe_2026-10-16T09-30-00-124Z", second.Folder)
	assert.True(t, second.ReceivedAt.After(first.ReceivedAt))

	kept, err := os.ReadFile(filepath.Join(f.root, "applications", first.Folder, first.ApplicationFile))
	require.NoError(t, err)
	assert.Equal(t, pdf("one"), kept)
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Submit(ctx, ApplicationForm{ApplicantName: "Jane"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.pipeline.Submit(ctx, ApplicationForm{
		Application: &Part{FileName: "notes.txt", ContentType: "text/plain", Content: strings.NewReader("hello")},
	})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = f.pipeline.Submit(ctx, ApplicationForm{
		Application: &Part{FileName: "fake.pdf", ContentType: "application/pdf", Content: strings.NewReader("<html>")},
	})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	big := append(pdf(""), make([]byte, int(DefaultMaxBytes))...)
	_, err = f.pipeline.Submit(ctx, ApplicationForm{
		Application: &Part{FileName: "big.pdf", ContentType: "application/pdf", Content: bytes.NewReader(big)},
	})
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = f.pipeline.Submit(ctx, ApplicationForm{
		Application: pdfPart("ok"),
		Resume:      &Part{FileName: "cv.png", ContentType: "image/png", Content: strings.NewReader("png")},
	})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	entries, err := os.ReadDir(filepath.Join(f.root, "applications"))
	if err == nil {
		assert.Empty(t, entries, "rejected submissions must not leave staged files")
	}
}

func TestSubmitExactLimitIsAccepted(t *testing.T) {
	f := newFixture(t)
	data := pdf("")
	data = append(data, make([]byte, int(DefaultMaxBytes)-len(data))...)
	_, err := f.pipeline.Submit(context.Background(), ApplicationForm{
		Application: &Part{FileName: "a.pdf", ContentType: "application/pdf", Content: bytes.NewReader(data)},
	})
	require.NoError(t, err)
}

func TestSubmitRemoteOutageIsDegradedSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.docs.down.Store(true)

	sub, err := f.pipeline.Submit(ctx, ApplicationForm{ApplicantName: "Jane Doe", Application: pdfPart("x")})
	require.NoError(t, err)
	assert.False(t, sub.Replicated)

	pending, err := f.ledger.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, sub.Folder, pending[0].Folder)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "unavailable")
}

func TestReplicateAcceptsIdenticalRemoteCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	local := filepath.Join(f.root, "a.pdf")
	require.NoError(t, os.WriteFile(local, pdf("same"), 0o644))
	_, err := f.docs.Write(ctx, "applications/x/a.pdf", pdf("same"), "", "seed")
	require.NoError(t, err)

	files := []store.LedgerFile{{LocalPath: local, RemotePath: "applications/x/a.pdf"}}
	require.NoError(t, f.pipeline.replicate(ctx, files, "retry"))

	require.NoError(t, os.WriteFile(local, pdf("different"), 0o644))
	err = f.pipeline.replicate(ctx, files, "retry")
	assert.ErrorIs(t, err, errRemoteMismatch)
}

func TestListApplicationsNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty, err := f.pipeline.ListApplications(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = f.pipeline.Submit(ctx, ApplicationForm{ApplicantName: "Ann", Application: pdfPart("1")})
	require.NoError(t, err)
	f.pipeline.now = func() time.Time { return fixedNow.Add(time.Hour) }
	_, err = f.pipeline.Submit(ctx, ApplicationForm{ApplicantName: "Bob", Application: pdfPart("22")})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "applications", ".staging-abc"), 0o755))

	items, err := f.pipeline.ListApplications(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, strings.HasPrefix(items[0].Folder, "Bob_"))
	assert.True(t, strings.HasPrefix(items[1].Folder, "Ann_"))
	require.Len(t, items[0].Files, 1)
	assert.Equal(t, "Bob_Application.pdf", items[0].Files[0].Name)
	assert.Equal(t, int64(len(pdf("22"))), items[0].Files[0].Size)
	assert.True(t, items[1].ReceivedAt.Equal(fixedNow))
}

func TestStagePhoto(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	photo, err := f.pipeline.StagePhoto(ctx, testKey, &Part{FileName: "rex.JPEG", ContentType: "image/jpeg", Content: strings.NewReader("jpeg bytes")})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(photo.FileName, ".jpeg"))
	assert.Equal(t, "users/"+testKey+"/photos/"+photo.FileName, photo.RemotePath)
	assert.True(t, photo.Replicated)

	data, err := os.ReadFile(photo.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))

	second, err := f.pipeline.StagePhoto(ctx, testKey, &Part{FileName: "rex.png", ContentType: "image/png", Content: strings.NewReader("png")})
	require.NoError(t, err)
	assert.NotEqual(t, photo.FileName, second.FileName)

	_, err = f.pipeline.StagePhoto(ctx, testKey, &Part{FileName: "x.pdf", ContentType: "application/pdf", Content: bytes.NewReader(pdf(""))})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = f.pipeline.StagePhoto(ctx, "../escape", &Part{ContentType: "image/png", Content: strings.NewReader("png")})
	assert.ErrorIs(t, err, ErrValidation)
}
