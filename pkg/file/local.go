package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStorage keeps artifacts under a base directory. Writes go through a
// temporary file and rename so readers never see partial content.
type LocalStorage struct {
	baseDir string
	baseURL string
}

func NewLocalStorage(baseDir, baseURL string) (*LocalStorage, error) {
	if baseDir == "" {
		return nil, ErrInvalidConfig
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Join(ErrFailedToWriteFile, err)
	}
	return &LocalStorage{baseDir: abs, baseURL: baseURL}, nil
}

func (s *LocalStorage) resolve(key string) (string, string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", "", err
	}
	full := filepath.Join(s.baseDir, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.baseDir, full)
	if err != nil || rel == ".." || filepath.IsAbs(rel) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return key, full, nil
}

func (s *LocalStorage) Put(ctx context.Context, key string, data []byte, contentType string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, errors.Join(ErrOperationCanceled, err)
	}
	key, full, err := s.resolve(key)
	if err != nil {
		return Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Object{}, errors.Join(ErrFailedToWriteFile, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return Object{}, errors.Join(ErrFailedToWriteFile, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return Object{}, errors.Join(ErrFailedToWriteFile, err)
	}
	if err := tmp.Close(); err != nil {
		return Object{}, errors.Join(ErrFailedToWriteFile, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return Object{}, errors.Join(ErrFailedToWriteFile, err)
	}

	return Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		SHA256:      checksum(data),
		URL:         s.URL(key),
	}, nil
}

func (s *LocalStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(ErrOperationCanceled, err)
	}
	_, full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, key)
	}
	if err != nil {
		return nil, errors.Join(ErrFailedToReadFile, err)
	}
	return data, nil
}

func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return errors.Join(ErrOperationCanceled, err)
	}
	_, full, err := s.resolve(key)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, key)
	}
	if err != nil {
		return errors.Join(ErrFailedToDelete, err)
	}
	return nil
}

func (s *LocalStorage) URL(key string) string {
	return joinURL(s.baseURL, key)
}
