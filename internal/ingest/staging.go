package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const maxRenameAttempts = 1000

type stagedFile struct {
	name string
	data []byte
}

// stageMu orders the existence check and rename of staged folders within
// the process.
var stageMu sync.Mutex

// stageFolder writes files into a hidden temp dir under root, then renames it
// to <prefix>_<timestamp>. When the name is taken the timestamp moves forward
// by one millisecond. It returns the folder name and the received time that
// ended up in it.
func stageFolder(root, prefix string, at time.Time, files []stagedFile) (string, time.Time, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", time.Time{}, fmt.Errorf("create staging root: %w", err)
	}
	tmp, err := os.MkdirTemp(root, ".staging-")
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	for _, f := range files {
		if err := writeFileSync(filepath.Join(tmp, f.name), f.data); err != nil {
			return "", time.Time{}, err
		}
	}

	stageMu.Lock()
	defer stageMu.Unlock()
	for i := 0; i < maxRenameAttempts; i++ {
		folder := prefix + "_" + FormatTimestamp(at)
		target := filepath.Join(root, folder)
		if _, err := os.Lstat(target); err == nil {
			at = at.Add(time.Millisecond)
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", time.Time{}, fmt.Errorf("stat %s: %w", folder, err)
		}
		if err := os.Rename(tmp, target); err != nil {
			if errors.Is(err, fs.ErrExist) {
				at = at.Add(time.Millisecond)
				continue
			}
			return "", time.Time{}, fmt.Errorf("commit %s: %w", folder, err)
		}
		committed = true
		return folder, at, nil
	}
	return "", time.Time{}, fmt.Errorf("no free folder name for %s", prefix)
}

// stageFile writes data to dir/<name()><ext> through a temp file and a hard
// link, so an existing file is never replaced. name is called again on
// collision.
func stageFile(dir string, name func() string, ext string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write staging file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close staging file: %w", err)
	}

	for i := 0; i < maxRenameAttempts; i++ {
		file := name() + ext
		err := os.Link(tmpPath, filepath.Join(dir, file))
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("commit %s: %w", file, err)
		}
	}
	return "", fmt.Errorf("no free file name in %s", dir)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

var errLocalMissing = errors.New("local files missing")

func readLocal(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", errLocalMissing, filepath.Base(path))
	}
	if err != nil {
		return nil, fmt.Errorf("read staged file: %w", err)
	}
	return data, nil
}
