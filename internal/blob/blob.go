// Package blob stores audio file bytes outside the change stream, keyed by
// audio id.
package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"voice-sync/internal/domain"
)

type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// AudioKey is the storage key of an audio file's bytes.
func AudioKey(a *domain.AudioFile) string {
	if ext := a.Extension(); ext != "" {
		return "audio/" + a.ID + "." + ext
	}
	return "audio/" + a.ID
}

type fileStore struct {
	baseDir string
}

func NewFileStore(baseDir string) (Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create blob directory")
	}
	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve blob directory")
	}
	return &fileStore{baseDir: filepath.Clean(absDir)}, nil
}

// safePath keeps the resolved path inside baseDir.
func (f *fileStore) safePath(key string) (string, error) {
	resolved := filepath.Clean(filepath.Join(f.baseDir, filepath.Clean(key)))
	if resolved == f.baseDir || !strings.HasPrefix(resolved, f.baseDir+string(os.PathSeparator)) {
		return "", errors.Newf("invalid blob key %q", key)
	}
	return resolved, nil
}

func (f *fileStore) Read(ctx context.Context, key string) ([]byte, error) {
	path, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.Mark(errors.Newf("blob %s not found", key), domain.ErrNotFound)
	}
	return data, err
}

// Write replaces the blob atomically via a temp file and rename.
func (f *fileStore) Write(ctx context.Context, key string, data []byte) error {
	path, err := f.safePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create blob directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return errors.Wrap(err, "create temp blob")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write blob")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close blob")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "commit blob")
}

func (f *fileStore) Delete(ctx context.Context, key string) error {
	path, err := f.safePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete blob")
	}
	return nil
}

func (f *fileStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := f.safePath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
