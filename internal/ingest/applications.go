package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"pawlenx/api/internal/email"
	"pawlenx/api/internal/store"
)

type ApplicationForm struct {
	ApplicantName string
	JobTitle      string
	Email         string
	Application   *Part
	Resume        *Part
}

type Submission struct {
	Folder          string    `json:"folder"`
	ApplicationFile string    `json:"applicationFile"`
	ResumeFile      string    `json:"resumeFile,omitempty"`
	Replicated      bool      `json:"githubUploaded"`
	ApplicantName   string    `json:"applicantName"`
	JobTitle        string    `json:"jobTitle"`
	Email           string    `json:"email,omitempty"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

// ApplicationsRemoteRoot is the document store directory holding submissions.
const ApplicationsRemoteRoot = "applications"

// Submit validates and stages a job application, then tries to replicate it.
// Replication failures are reported through Submission.Replicated and left
// to the reconciler.
func (p *Pipeline) Submit(ctx context.Context, form ApplicationForm) (Submission, error) {
	if form.Application == nil || form.Application.Content == nil {
		return Submission{}, fmt.Errorf("%w: no application document received", ErrValidation)
	}
	_, appData, _, err := p.accept("application", form.Application, applicationTypes)
	if err != nil {
		return Submission{}, err
	}
	var (
		resumeData []byte
		resumeExt  string
	)
	if form.Resume != nil && form.Resume.Content != nil {
		_, resumeData, resumeExt, err = p.accept("resume", form.Resume, resumeTypes)
		if err != nil {
			return Submission{}, err
		}
	}

	name := SanitizeName(form.ApplicantName)
	files := []stagedFile{{name: name + "_Application.pdf", data: appData}}
	if resumeData != nil {
		files = append(files, stagedFile{name: name + "_Resume" + resumeExt, data: resumeData})
	}

	folder, receivedAt, err := stageFolder(p.applicationsDir, name, p.now(), files)
	if err != nil {
		return Submission{}, err
	}

	sub := Submission{
		Folder:          folder,
		ApplicationFile: files[0].name,
		ApplicantName:   strings.TrimSpace(form.ApplicantName),
		JobTitle:        strings.TrimSpace(form.JobTitle),
		Email:           strings.TrimSpace(form.Email),
		ReceivedAt:      receivedAt,
	}
	if len(files) > 1 {
		sub.ResumeFile = files[1].name
	}
	if sub.ApplicantName == "" {
		sub.ApplicantName = "Unknown"
	}

	rec := store.LedgerRecord{
		ID:         uuid.NewString(),
		Kind:       store.KindApplication,
		Folder:     folder,
		ReceivedAt: receivedAt,
	}
	for _, f := range files {
		rec.Files = append(rec.Files, store.LedgerFile{
			LocalPath:  filepath.Join(p.applicationsDir, folder, f.name),
			RemotePath: ApplicationsRemoteRoot + "/" + folder + "/" + f.name,
		})
	}

	sub.Replicated = p.replicateAndRecord(ctx, rec, fmt.Sprintf("Add application %s", folder))

	p.logger.Info("application received",
		"folder", folder,
		"job_title", sub.JobTitle,
		"files", len(files),
		"replicated", sub.Replicated,
	)

	p.notify(ctx, email.ApplicationNotice{
		ApplicantName:   sub.ApplicantName,
		ApplicantEmail:  sub.Email,
		JobTitle:        sub.JobTitle,
		Folder:          folder,
		ApplicationFile: sub.ApplicationFile,
		ResumeFile:      sub.ResumeFile,
		Replicated:      sub.Replicated,
		ReceivedAt:      receivedAt,
	})
	return sub, nil
}

// replicateAndRecord runs the first replication attempt and writes the
// ledger record with its outcome. Ledger failures are logged only since the
// files are already staged.
func (p *Pipeline) replicateAndRecord(ctx context.Context, rec store.LedgerRecord, message string) bool {
	err := p.replicate(ctx, rec.Files, message)
	rec.Attempts = 1
	if err == nil {
		at := p.now().UTC()
		rec.Replicated = true
		rec.ReplicatedAt = &at
	} else {
		rec.LastError = err.Error()
		p.logger.Warn("remote replication failed", "folder", rec.Folder, "kind", rec.Kind, "error", err)
	}
	if p.ledger != nil {
		if lerr := p.ledger.Record(ctx, rec); lerr != nil {
			p.logger.Error("ledger record failed", "folder", rec.Folder, "error", lerr)
		}
	}
	return err == nil
}

type StoredFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type ApplicationSummary struct {
	Folder     string       `json:"folder"`
	Files      []StoredFile `json:"files"`
	ReceivedAt time.Time    `json:"receivedAt"`
}

// ListApplications returns staged submissions newest first. Hidden
// directories are in-flight staging areas and are skipped.
func (p *Pipeline) ListApplications(ctx context.Context) ([]ApplicationSummary, error) {
	entries, err := os.ReadDir(p.applicationsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []ApplicationSummary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read applications dir: %w", err)
	}

	items := make([]ApplicationSummary, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		summary, err := p.summarize(entry)
		if err != nil {
			return nil, err
		}
		items = append(items, summary)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].ReceivedAt.Equal(items[j].ReceivedAt) {
			return items[i].Folder > items[j].Folder
		}
		return items[i].ReceivedAt.After(items[j].ReceivedAt)
	})
	return items, nil
}

func (p *Pipeline) summarize(entry fs.DirEntry) (ApplicationSummary, error) {
	dir := filepath.Join(p.applicationsDir, entry.Name())
	children, err := os.ReadDir(dir)
	if err != nil {
		return ApplicationSummary{}, fmt.Errorf("read %s: %w", entry.Name(), err)
	}

	summary := ApplicationSummary{Folder: entry.Name(), Files: make([]StoredFile, 0, len(children))}
	for _, child := range children {
		if child.IsDir() {
			continue
		}
		info, err := child.Info()
		if err != nil {
			return ApplicationSummary{}, fmt.Errorf("stat %s: %w", child.Name(), err)
		}
		summary.Files = append(summary.Files, StoredFile{Name: child.Name(), Size: info.Size()})
	}

	if i := strings.LastIndex(entry.Name(), "_"); i >= 0 {
		if at, ok := ParseTimestamp(entry.Name()[i+1:]); ok {
			summary.ReceivedAt = at
			return summary, nil
		}
	}
	info, err := entry.Info()
	if err != nil {
		return ApplicationSummary{}, fmt.Errorf("stat %s: %w", entry.Name(), err)
	}
	summary.ReceivedAt = info.ModTime().UTC()
	return summary, nil
}
