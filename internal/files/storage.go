package files

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
)

var (
	ErrNotFound   = errors.New("file not found")
	ErrInvalidKey = errors.New("invalid storage key")
)

// ProgressFunc is called during upload with bytes written and total size.
// If total is -1, the total size is unknown.
type ProgressFunc func(written, total int64)

// Storage defines the interface for audio blob storage.
type Storage interface {
	Save(ctx context.Context, key string, data io.Reader) (int64, error)
	SaveWithProgress(ctx context.Context, key string, data io.Reader, size int64, onProgress ProgressFunc) (int64, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
}

var keySegmentPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidateKey accepts slash-separated keys made of safe segments.
// "." and ".." segments are rejected so keys never escape the storage root.
func ValidateKey(key string) error {
	if key == "" || len(key) > 256 || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." || !keySegmentPattern.MatchString(seg) {
			return ErrInvalidKey
		}
	}
	return nil
}

// progressReader wraps an io.Reader and reports progress as data is read.
type progressReader struct {
	reader     io.Reader
	total      int64
	read       int64
	onProgress ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		if pr.onProgress != nil {
			pr.onProgress(pr.read, pr.total)
		}
	}
	return n, err
}

func withProgress(data io.Reader, size int64, onProgress ProgressFunc) io.Reader {
	if onProgress == nil {
		return data
	}
	return &progressReader{reader: data, total: size, onProgress: onProgress}
}
