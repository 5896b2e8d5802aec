package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"smartpark-worker-go/internal/rendering"
)

var _ Uploader = (*minio.Client)(nil)

var ErrEmptyFrame = errors.New("cannot snapshot an empty frame")

// Uploader is the part of the MinIO client the store needs
type Uploader interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioConfig holds the object storage settings
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// NewMinioClient creates the client and makes sure the bucket exists
func NewMinioClient(ctx context.Context, cfg MinioConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return client, nil
}

// Result describes where a snapshot went
type Result struct {
	Name      string    `json:"name"`
	LocalPath string    `json:"local_path"`
	Object    string    `json:"object,omitempty"`
	Bucket    string    `json:"bucket,omitempty"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store writes JPEG snapshots to disk and optionally mirrors them to a bucket
type Store struct {
	dir          string
	quality      int
	hardwareCode string
	uploader     Uploader
	bucket       string
	logger       zerolog.Logger
	now          func() time.Time
}

// NewStore creates the snapshot directory. A nil uploader keeps snapshots local only.
func NewStore(dir string, quality int, hardwareCode string, uploader Uploader, bucket string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &Store{
		dir:          dir,
		quality:      quality,
		hardwareCode: hardwareCode,
		uploader:     uploader,
		bucket:       bucket,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Save encodes the frame and stores it. An empty name gets a timestamped one.
func (s *Store) Save(ctx context.Context, frame gocv.Mat, name string) (Result, error) {
	if frame.Empty() {
		return Result{}, ErrEmptyFrame
	}
	data, err := rendering.EncodeJPEG(frame, s.quality)
	if err != nil {
		return Result{}, err
	}
	return s.SaveBytes(ctx, data, name)
}

// SaveBytes stores an already encoded JPEG
func (s *Store) SaveBytes(ctx context.Context, data []byte, name string) (Result, error) {
	created := s.now()
	name = s.normalizeName(name, created)

	localPath := filepath.Join(s.dir, name)
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("write snapshot: %w", err)
	}

	result := Result{
		Name:      name,
		LocalPath: localPath,
		Size:      len(data),
		CreatedAt: created,
	}

	if s.uploader != nil {
		object := path.Join(s.hardwareCode, name)
		_, err := s.uploader.PutObject(ctx, s.bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "image/jpeg",
		})
		if err != nil {
			return result, fmt.Errorf("failed to upload snapshot to S3: %w", err)
		}
		result.Object = object
		result.Bucket = s.bucket
	}

	s.logger.Info().
		Str("name", name).
		Int("bytes", len(data)).
		Str("object", result.Object).
		Msg("Snapshot saved")
	return result, nil
}

func (s *Store) normalizeName(name string, at time.Time) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = fmt.Sprintf("snapshot_%s.jpg", at.Format("20060102_150405.000"))
	}
	if ext := strings.ToLower(filepath.Ext(name)); ext != ".jpg" && ext != ".jpeg" {
		name += ".jpg"
	}
	return name
}
