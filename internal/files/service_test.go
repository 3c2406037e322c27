package files

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"tidings/internal/catalog"
)

// mockStorage implements Storage for testing.
type mockStorage struct {
	files map[string][]byte
}

func newMockStorage() *mockStorage {
	return &mockStorage{files: make(map[string][]byte)}
}

func (m *mockStorage) Save(ctx context.Context, key string, data io.Reader) (int64, error) {
	return m.SaveWithProgress(ctx, key, data, -1, nil)
}

func (m *mockStorage) SaveWithProgress(ctx context.Context, key string, data io.Reader, size int64, onProgress ProgressFunc) (int64, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return 0, err
	}
	m.files[key] = buf
	if onProgress != nil {
		onProgress(int64(len(buf)), int64(len(buf)))
	}
	return int64(len(buf)), nil
}

// Load deliberately returns a reader that cannot seek.
func (m *mockStorage) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.files[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockStorage) Stat(ctx context.Context, key string) (int64, error) {
	data, ok := m.files[key]
	if !ok {
		return 0, ErrNotFound
	}
	return int64(len(data)), nil
}

func (m *mockStorage) Delete(ctx context.Context, key string) error {
	if _, ok := m.files[key]; !ok {
		return ErrNotFound
	}
	delete(m.files, key)
	return nil
}

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]catalog.Item{
		{ID: "grace", Title: "Amazing Grace", Artist: "John Newton", Language: "en", AudioKey: "audio/grace.mp3", PriceCents: 500},
		{ID: "welcome", Title: "Welcome", Artist: "The Ministry", Language: "en", Free: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	return cat
}

func TestService_UploadAndOpen(t *testing.T) {
	storage := newMockStorage()
	svc := NewService(storage, newTestCatalog(t))
	ctx := context.Background()

	res, err := svc.Upload(ctx, "grace", strings.NewReader("mp3-bytes"), 9)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if res.Key != "audio/grace.mp3" || res.Size != 9 {
		t.Errorf("unexpected result: %+v", res)
	}

	audio, err := svc.OpenAudio(ctx, "grace")
	if err != nil {
		t.Fatalf("OpenAudio failed: %v", err)
	}
	defer audio.Body.Close()

	if audio.Size != 9 {
		t.Errorf("Size = %d, want 9", audio.Size)
	}
	if audio.Item.Filename() != "John Newton - Amazing Grace.mp3" {
		t.Errorf("Filename = %q", audio.Item.Filename())
	}
	data, _ := io.ReadAll(audio.Body)
	if string(data) != "mp3-bytes" {
		t.Errorf("got %q", data)
	}
	if _, err := audio.Body.Seek(0, io.SeekStart); err == nil {
		t.Error("expected seek error from non-seekable backend")
	}
}

func TestService_UploadUnknownContent(t *testing.T) {
	svc := NewService(newMockStorage(), newTestCatalog(t))
	if _, err := svc.Upload(context.Background(), "missing", strings.NewReader("x"), 1); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("expected catalog.ErrNotFound, got %v", err)
	}
}

func TestService_OpenMissingAudio(t *testing.T) {
	svc := NewService(newMockStorage(), newTestCatalog(t))
	if _, err := svc.OpenAudio(context.Background(), "grace"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_OpenFree(t *testing.T) {
	storage := newMockStorage()
	storage.files["welcome"] = []byte("free audio")
	storage.files["audio/grace.mp3"] = []byte("paid audio")
	svc := NewService(storage, newTestCatalog(t))
	ctx := context.Background()

	audio, err := svc.OpenFree(ctx, "welcome")
	if err != nil {
		t.Fatalf("OpenFree failed: %v", err)
	}
	audio.Body.Close()

	if _, err := svc.OpenFree(ctx, "grace"); !errors.Is(err, ErrNotFree) {
		t.Errorf("expected ErrNotFree, got %v", err)
	}
}
