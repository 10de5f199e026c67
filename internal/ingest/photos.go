package ingest

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"pawlenx/api/internal/identity"
	"pawlenx/api/internal/pets"
	"pawlenx/api/internal/store"
	"pawlenx/api/internal/util"
)

type Photo struct {
	FileName   string
	LocalPath  string
	RemotePath string
	Replicated bool
}

// StagePhoto stores a pet photo under <photos>/<key>/ and replicates it to
// users/<key>/photos/.
func (p *Pipeline) StagePhoto(ctx context.Context, key string, part *Part) (Photo, error) {
	if !identity.ValidKey(key) {
		return Photo{}, fmt.Errorf("%w: invalid collection key", ErrValidation)
	}
	if part == nil || part.Content == nil {
		return Photo{}, fmt.Errorf("%w: no photo received", ErrValidation)
	}
	_, data, ext, err := p.accept("photo", part, photoTypes)
	if err != nil {
		return Photo{}, err
	}

	dir := filepath.Join(p.photosDir, key)
	now := p.now()
	file, err := stageFile(dir, func() string { return util.NewTimestampID(now) }, ext, data)
	if err != nil {
		return Photo{}, err
	}

	photo := Photo{
		FileName:   file,
		LocalPath:  filepath.Join(dir, file),
		RemotePath: pets.PhotoPath(key, file),
	}
	rec := store.LedgerRecord{
		ID:         uuid.NewString(),
		Kind:       store.KindPhoto,
		Folder:     key,
		Files:      []store.LedgerFile{{LocalPath: photo.LocalPath, RemotePath: photo.RemotePath}},
		ReceivedAt: now.UTC(),
	}
	photo.Replicated = p.replicateAndRecord(ctx, rec, "Add pet photo "+file)
	p.logger.Info("photo received", "file", file, "bytes", len(data), "replicated", photo.Replicated)
	return photo, nil
}
