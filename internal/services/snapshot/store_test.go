package snapshot

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

type recordingUploader struct {
	bucket  string
	object  string
	data    []byte
	options minio.PutObjectOptions
	err     error
}

func (u *recordingUploader) PutObject(_ context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if u.err != nil {
		return minio.UploadInfo{}, u.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	u.bucket, u.object, u.data, u.options = bucket, object, data, opts
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func newTestStore(t *testing.T, uploader Uploader) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), 85, "CAM-01", uploader, "snapshots", zerolog.Nop())
	require.NoError(t, err)
	store.now = func() time.Time { return time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC) }
	return store
}

func TestSaveBytesLocalOnly(t *testing.T) {
	store := newTestStore(t, nil)

	res, err := store.SaveBytes(context.Background(), []byte("jpeg-bytes"), "")
	require.NoError(t, err)
	assert.Equal(t, "snapshot_20260504_103000.000.jpg", res.Name)
	assert.Empty(t, res.Object)
	assert.Equal(t, 10, res.Size)

	data, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
}

func TestSaveBytesUploads(t *testing.T) {
	up := &recordingUploader{}
	store := newTestStore(t, up)

	res, err := store.SaveBytes(context.Background(), []byte("jpeg-bytes"), "entrance")
	require.NoError(t, err)
	assert.Equal(t, "entrance.jpg", res.Name)
	assert.Equal(t, "CAM-01/entrance.jpg", res.Object)
	assert.Equal(t, "snapshots", res.Bucket)

	assert.Equal(t, "snapshots", up.bucket)
	assert.Equal(t, "CAM-01/entrance.jpg", up.object)
	assert.Equal(t, "jpeg-bytes", string(up.data))
	assert.Equal(t, "image/jpeg", up.options.ContentType)
}

func TestSaveBytesUploadFailureKeepsLocalCopy(t *testing.T) {
	store := newTestStore(t, &recordingUploader{err: errors.New("access denied")})

	res, err := store.SaveBytes(context.Background(), []byte("x"), "a.jpeg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.FileExists(t, res.LocalPath)
	assert.Empty(t, res.Object)
}

func TestNormalizeNameStripsDirectories(t *testing.T) {
	store := newTestStore(t, nil)
	at := store.now()

	assert.Equal(t, "passwd.jpg", store.normalizeName("../../etc/passwd", at))
	assert.Equal(t, "frame.JPG", store.normalizeName("frame.JPG", at))
	assert.Equal(t, "snapshot_20260504_103000.000.jpg", store.normalizeName("  ", at))
	assert.Equal(t, "y.jpg", store.normalizeName("x/y", at))
}

func TestSaveFrame(t *testing.T) {
	store := newTestStore(t, nil)

	_, err := store.Save(context.Background(), gocv.NewMat(), "empty")
	assert.ErrorIs(t, err, ErrEmptyFrame)

	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(40, 80, 120, 0), 48, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()

	res, err := store.Save(context.Background(), frame, "frame")
	require.NoError(t, err)
	assert.Positive(t, res.Size)

	decoded := gocv.IMRead(res.LocalPath, gocv.IMReadColor)
	defer decoded.Close()
	assert.Equal(t, 64, decoded.Cols())
	assert.Equal(t, 48, decoded.Rows())
}

func TestNewStoreDefaultsQuality(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "nested", "dir"), 0, "CAM-01", nil, "", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 90, store.quality)
	assert.DirExists(t, store.dir)
}
