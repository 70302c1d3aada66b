// Package file stores generated artifacts on local disk or in S3-compatible
// object storage.
//
// Keys are slash separated relative paths. Absolute keys and keys containing
// ".." segments are rejected by every backend.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	ErrInvalidConfig      = errors.New("file: invalid configuration")
	ErrFailedToLoadConfig = errors.New("file: failed to load AWS config")
	ErrInvalidKey         = errors.New("file: invalid key")
	ErrFileNotFound       = errors.New("file: not found")
	ErrFailedToWriteFile  = errors.New("file: failed to write")
	ErrFailedToReadFile   = errors.New("file: failed to read")
	ErrFailedToDelete     = errors.New("file: failed to delete")

	ErrBucketNotFound     = errors.New("file: bucket not found")
	ErrAccessDenied       = errors.New("file: access denied")
	ErrServiceUnavailable = errors.New("file: storage temporarily unavailable")
	ErrOperationTimeout   = errors.New("file: operation timed out")
	ErrOperationCanceled  = errors.New("file: operation canceled")
)

const (
	DriverLocal = "local"
	DriverS3    = "s3"
)

// Object describes a stored artifact.
type Object struct {
	Key         string
	ContentType string
	Size        int64
	SHA256      string
	URL         string
}

// Storage is implemented by LocalStorage and S3Storage.
type Storage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

type Config struct {
	Driver   string   `env:"ARTIFACTS_DRIVER" envDefault:"local"`
	LocalDir string   `env:"ARTIFACTS_DIR" envDefault:"./var/artifacts"`
	BaseURL  string   `env:"ARTIFACTS_BASE_URL" envDefault:"/artifacts/"`
	S3       S3Config `envPrefix:"ARTIFACTS_S3_"`
}

func (c Config) Validate() error {
	switch c.Driver {
	case DriverLocal:
		if c.LocalDir == "" {
			return fmt.Errorf("%w: ARTIFACTS_DIR is required for the local driver", ErrInvalidConfig)
		}
	case DriverS3:
		if c.S3.Bucket == "" || c.S3.Region == "" {
			return fmt.Errorf("%w: bucket and region are required for the s3 driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, c.Driver)
	}
	return nil
}

// New builds the backend selected by cfg.Driver.
func New(ctx context.Context, cfg Config) (Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Driver == DriverS3 {
		if cfg.S3.BaseURL == "" {
			cfg.S3.BaseURL = cfg.BaseURL
		}
		return NewS3Storage(ctx, cfg.S3)
	}
	return NewLocalStorage(cfg.LocalDir, cfg.BaseURL)
}

// CleanKey normalises key and rejects traversal.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	cleaned := path.Clean(key)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func joinURL(base, key string) string {
	if base == "" {
		return key
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + key
}
