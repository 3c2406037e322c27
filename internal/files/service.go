package files

import (
	"context"
	"errors"
	"io"

	"tidings/internal/catalog"
	"tidings/internal/logging"
)

var ErrNotFree = errors.New("content requires purchase")

// Service resolves catalog items to stored audio.
type Service struct {
	storage Storage
	catalog *catalog.Catalog
}

// NewService creates a new media service.
func NewService(storage Storage, cat *catalog.Catalog) *Service {
	return &Service{
		storage: storage,
		catalog: cat,
	}
}

// ReadSeekCloser combines ReadSeeker and Closer interfaces.
type ReadSeekCloser interface {
	io.ReadSeeker
	io.Closer
}

// Audio is an open recording. Size is -1 when the backend cannot tell.
type Audio struct {
	Body ReadSeekCloser
	Size int64
	Item *catalog.Item
}

// UploadResult contains the result of an upload operation.
type UploadResult struct {
	ContentID string
	Key       string
	Size      int64
}

// Upload stores the audio bytes for a catalog item under its storage key.
func (s *Service) Upload(ctx context.Context, contentID string, data io.Reader, size int64) (*UploadResult, error) {
	item, err := s.catalog.Get(contentID)
	if err != nil {
		return nil, err
	}

	n, err := s.storage.SaveWithProgress(ctx, item.AudioKey, data, size, quarterLogger(item.AudioKey))
	if err != nil {
		return nil, err
	}
	logging.Internal.Printf("stored audio for %s (%d bytes)", contentID, n)
	return &UploadResult{ContentID: contentID, Key: item.AudioKey, Size: n}, nil
}

// quarterLogger logs upload progress at every 25% step of a known size.
func quarterLogger(key string) ProgressFunc {
	next := int64(25)
	return func(written, total int64) {
		if total <= 0 {
			return
		}
		for pct := written * 100 / total; pct >= next && next <= 100; next += 25 {
			logging.Storage.Printf("upload %s: %d%%", key, next)
		}
	}
}

// OpenAudio opens the recording of a catalog item regardless of price.
func (s *Service) OpenAudio(ctx context.Context, contentID string) (*Audio, error) {
	item, err := s.catalog.Get(contentID)
	if err != nil {
		return nil, err
	}

	size, err := s.storage.Stat(ctx, item.AudioKey)
	if err != nil {
		return nil, err
	}

	reader, err := s.storage.Load(ctx, item.AudioKey)
	if err != nil {
		return nil, err
	}

	// *os.File and *minio.Object both seek, which ServeContent needs for Range requests.
	body, ok := reader.(ReadSeekCloser)
	if !ok {
		body = &nonSeekableWrapper{reader}
	}
	return &Audio{Body: body, Size: size, Item: item}, nil
}

// OpenFree opens a recording for public playback; paid items are refused.
func (s *Service) OpenFree(ctx context.Context, contentID string) (*Audio, error) {
	item, err := s.catalog.Get(contentID)
	if err != nil {
		return nil, err
	}
	if !item.Free {
		return nil, ErrNotFree
	}
	return s.OpenAudio(ctx, contentID)
}

// nonSeekableWrapper wraps a ReadCloser to satisfy ReadSeekCloser interface
// but returns an error on Seek operations.
type nonSeekableWrapper struct {
	io.ReadCloser
}

func (w *nonSeekableWrapper) Seek(offset int64, whence int) (int64, error) {
	return 0, errors.New("seek not supported")
}
