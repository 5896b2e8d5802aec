package mjpeg

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"smartpark-worker-go/internal/rendering"
)

const boundary = "frame"

// FrameRenderer produces the annotated view of the last processed frame
type FrameRenderer interface {
	DebugFrame(showInfo bool) (gocv.Mat, bool)
}

// Publisher fans the annotated frames out to every connected MJPEG viewer.
// Frames are only rendered and encoded while at least one viewer is connected.
type Publisher struct {
	renderer    FrameRenderer
	quality     int
	minInterval time.Duration
	logger      zerolog.Logger

	jpegMutex  sync.RWMutex
	latestJPEG []byte
	lastEncode time.Time

	notifyMutex sync.RWMutex
	viewers     map[int]chan struct{}
	nextViewer  int
}

func NewPublisher(renderer FrameRenderer, quality, maxFPS int, logger zerolog.Logger) *Publisher {
	if quality <= 0 || quality > 100 {
		quality = 75
	}
	var minInterval time.Duration
	if maxFPS > 0 {
		minInterval = time.Second / time.Duration(maxFPS)
	}
	return &Publisher{
		renderer:    renderer,
		quality:     quality,
		minInterval: minInterval,
		logger:      logger,
		viewers:     make(map[int]chan struct{}),
	}
}

// FrameProcessed is called by the capture loop after every frame
func (p *Publisher) FrameProcessed() {
	if p.Viewers() == 0 {
		return
	}

	p.jpegMutex.RLock()
	tooSoon := p.minInterval > 0 && time.Since(p.lastEncode) < p.minInterval
	p.jpegMutex.RUnlock()
	if tooSoon {
		return
	}

	if err := p.updateLatestJPEG(); err != nil {
		p.logger.Debug().Err(err).Msg("Skipping stream frame")
		return
	}
	p.notifyViewers()
}

func (p *Publisher) updateLatestJPEG() error {
	mat, ok := p.renderer.DebugFrame(true)
	defer mat.Close()
	if !ok {
		return fmt.Errorf("no frame processed yet")
	}

	data, err := rendering.EncodeJPEG(mat, p.quality)
	if err != nil {
		return err
	}

	p.jpegMutex.Lock()
	p.latestJPEG = data
	p.lastEncode = time.Now()
	p.jpegMutex.Unlock()
	return nil
}

func (p *Publisher) latest() []byte {
	p.jpegMutex.RLock()
	defer p.jpegMutex.RUnlock()
	return p.latestJPEG
}

func (p *Publisher) notifyViewers() {
	p.notifyMutex.RLock()
	defer p.notifyMutex.RUnlock()

	for _, notify := range p.viewers {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
}

func (p *Publisher) addViewer() (int, chan struct{}) {
	p.notifyMutex.Lock()
	defer p.notifyMutex.Unlock()

	id := p.nextViewer
	p.nextViewer++
	notify := make(chan struct{}, 1)
	p.viewers[id] = notify
	return id, notify
}

func (p *Publisher) removeViewer(id int) {
	p.notifyMutex.Lock()
	defer p.notifyMutex.Unlock()
	delete(p.viewers, id)
}

// Viewers returns the number of connected clients
func (p *Publisher) Viewers() int {
	p.notifyMutex.RLock()
	defer p.notifyMutex.RUnlock()
	return len(p.viewers)
}

// StreamMJPEGHTTP serves a multipart/x-mixed-replace stream until the client goes away
func (p *Publisher) StreamMJPEGHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, notify := p.addViewer()
	defer p.removeViewer(id)
	p.logger.Info().Int("viewer", id).Str("remote", r.RemoteAddr).Msg("MJPEG viewer connected")
	defer p.logger.Info().Int("viewer", id).Msg("MJPEG viewer disconnected")

	writePart := func(jpeg []byte) bool {
		if _, err := io.WriteString(w, "--"+boundary+"\r\n"); err != nil {
			return false
		}
		if _, err := io.WriteString(w, "Content-Type: image/jpeg\r\n"); err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(jpeg)); err != nil {
			return false
		}
		if _, err := w.Write(jpeg); err != nil {
			return false
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	first := p.latest()
	if len(first) == 0 {
		first = p.placeholder()
	}
	if len(first) > 0 && !writePart(first) {
		return
	}

	keepaliveTicker := time.NewTicker(2 * time.Second)
	defer keepaliveTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-notify:
		case <-keepaliveTicker.C:
		}
		if buf := p.latest(); len(buf) > 0 {
			if !writePart(buf) {
				return
			}
		}
	}
}

func (p *Publisher) placeholder() []byte {
	mat := gocv.NewMatWithSize(360, 640, gocv.MatTypeCV8UC3)
	defer mat.Close()
	mat.SetTo(gocv.NewScalar(64, 64, 64, 0))

	textColor := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	gocv.PutText(&mat, "SmartPark", image.Pt(20, 180), gocv.FontHersheySimplex, 1.0, textColor, 2)
	gocv.PutText(&mat, "Waiting for frames...", image.Pt(20, 220), gocv.FontHersheySimplex, 0.8, textColor, 2)

	data, err := rendering.EncodeJPEG(mat, p.quality)
	if err != nil {
		return nil
	}
	return data
}
