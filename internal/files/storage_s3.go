package files

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"tidings/internal/logging"
)

// S3Object is the subset of *minio.Object used by S3Storage.
type S3Object interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// S3Client is the subset of *minio.Client used by S3Storage.
type S3Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (S3Object, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// minioClient adapts *minio.Client to S3Client.
type minioClient struct {
	*minio.Client
}

func (c minioClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (S3Object, error) {
	return c.Client.GetObject(ctx, bucket, key, opts)
}

// S3Storage implements Storage on any S3-compatible object store
// (Backblaze B2, Supabase Storage, MinIO, AWS S3).
type S3Storage struct {
	client S3Client
	bucket string
	prefix string
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Endpoint  string // S3_ENDPOINT, host[:port] without scheme
	KeyID     string // S3_KEY_ID
	SecretKey string // S3_SECRET_KEY
	Bucket    string // S3_BUCKET
	Prefix    string // S3_PREFIX - optional folder prefix for all objects
	Region    string // S3_REGION
	Insecure  bool   // plain HTTP, for local MinIO
}

// NewS3Storage creates a new S3-backed storage.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	logging.Storage.Printf("initializing storage (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, cfg.Endpoint)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.SecretKey, ""),
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	})
	if err != nil {
		logging.Storage.Printf("failed to create client: %v", err)
		return nil, err
	}

	logging.Storage.Printf("storage initialized successfully")
	return NewS3StorageWithClient(minioClient{client}, cfg.Bucket, cfg.Prefix), nil
}

// NewS3StorageWithClient creates an S3Storage around an existing client.
func NewS3StorageWithClient(client S3Client, bucket, prefix string) *S3Storage {
	return &S3Storage{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (s *S3Storage) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3Storage) Save(ctx context.Context, key string, data io.Reader) (int64, error) {
	return s.SaveWithProgress(ctx, key, data, -1, nil)
}

func (s *S3Storage) SaveWithProgress(ctx context.Context, key string, data io.Reader, size int64, onProgress ProgressFunc) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	objectKey := s.key(key)
	logging.Storage.Printf("uploading %s to bucket %s", objectKey, s.bucket)

	info, err := s.client.PutObject(ctx, s.bucket, objectKey, withProgress(data, size, onProgress), size, minio.PutObjectOptions{
		ContentType: "audio/mpeg",
	})
	if err != nil {
		logging.Storage.Printf("upload failed for %s: %v", objectKey, err)
		return 0, err
	}

	logging.Storage.Printf("uploaded %s successfully (%d bytes)", objectKey, info.Size)
	return info.Size, nil
}

func (s *S3Storage) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	objectKey := s.key(key)

	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		logging.Storage.Printf("failed to get object %s: %v", objectKey, err)
		return nil, err
	}

	// GetObject is lazy; Stat surfaces a missing key before any bytes are sent.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		logging.Storage.Printf("failed to stat object %s: %v", objectKey, err)
		return nil, err
	}

	return obj, nil
}

func (s *S3Storage) Stat(ctx context.Context, key string) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, s.key(key), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	objectKey := s.key(key)

	err := s.client.RemoveObject(ctx, s.bucket, objectKey, minio.RemoveObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return ErrNotFound
		}
		logging.Storage.Printf("failed to delete %s: %v", objectKey, err)
		return err
	}

	logging.Storage.Printf("deleted %s", objectKey)
	return nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
