package mjpeg

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

type fakeRenderer struct {
	ready atomic.Bool
	calls atomic.Int32
}

func (f *fakeRenderer) DebugFrame(showInfo bool) (gocv.Mat, bool) {
	f.calls.Add(1)
	if !f.ready.Load() {
		return gocv.NewMat(), false
	}
	mat := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	mat.SetTo(gocv.NewScalar(0, 200, 0, 0))
	return mat, true
}

func TestFrameProcessedWithoutViewersSkipsRendering(t *testing.T) {
	renderer := &fakeRenderer{}
	renderer.ready.Store(true)
	p := NewPublisher(renderer, 80, 0, zerolog.Nop())

	p.FrameProcessed()

	assert.Zero(t, renderer.calls.Load())
	assert.Empty(t, p.latest())
}

func TestFrameProcessedRateLimited(t *testing.T) {
	renderer := &fakeRenderer{}
	renderer.ready.Store(true)
	p := NewPublisher(renderer, 80, 1, zerolog.Nop())

	id, _ := p.addViewer()
	defer p.removeViewer(id)

	p.FrameProcessed()
	p.FrameProcessed()

	assert.Equal(t, int32(1), renderer.calls.Load())
	assert.NotEmpty(t, p.latest())
}

func TestFrameProcessedBeforeFirstFrame(t *testing.T) {
	renderer := &fakeRenderer{}
	p := NewPublisher(renderer, 80, 0, zerolog.Nop())

	id, notify := p.addViewer()
	defer p.removeViewer(id)

	p.FrameProcessed()

	assert.Empty(t, p.latest())
	assert.Len(t, notify, 0)
}

func TestStreamMJPEGHTTP(t *testing.T) {
	renderer := &fakeRenderer{}
	p := NewPublisher(renderer, 80, 0, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(p.StreamMJPEGHTTP))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	reader := multipart.NewReader(resp.Body, boundary)
	placeholder, err := reader.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", placeholder.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return p.Viewers() == 1 }, time.Second, 10*time.Millisecond)

	renderer.ready.Store(true)
	p.FrameProcessed()

	placeholderBytes, err := io.ReadAll(placeholder)
	require.NoError(t, err)

	live, err := reader.NextPart()
	require.NoError(t, err)
	liveBytes, err := io.ReadAll(io.LimitReader(live, int64(len(p.latest()))))
	require.NoError(t, err)

	assert.Equal(t, p.latest(), liveBytes)
	assert.NotEqual(t, placeholderBytes, liveBytes)

	cancel()
	assert.Eventually(t, func() bool { return p.Viewers() == 0 }, 3*time.Second, 10*time.Millisecond)
}
