package streamcapture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"smartpark-worker-go/internal/models"
)

var ErrTooManyFailures = errors.New("too many consecutive read failures")

// FrameSource is the subset of gocv.VideoCapture the loop uses
type FrameSource interface {
	Read(m *gocv.Mat) bool
	Set(prop gocv.VideoCaptureProperties, param float64)
	Get(prop gocv.VideoCaptureProperties) float64
	IsOpened() bool
	Close() error
}

// Pipeline receives every captured frame
type Pipeline interface {
	ProcessFrame(ctx context.Context, frame gocv.Mat, sendDownstream bool) (models.ZoneResults, error)
	Heartbeat(ctx context.Context) error
}

// FrameObserver is told after the pipeline has handled a frame
type FrameObserver interface {
	FrameProcessed()
}

// Opener opens a video source by name
type Opener func(source string) (FrameSource, error)

// Options controls the capture loop
type Options struct {
	Source                 string
	Loop                   bool
	MaxFPS                 int
	MaxConsecutiveFailures int
	FPSLogInterval         int
	HeartbeatInterval      time.Duration
	SendEvents             bool
	RetryBackoff           time.Duration
	Observer               FrameObserver
}

// Service reads frames from a camera or file and feeds them to the pipeline
type Service struct {
	opts     Options
	pipeline Pipeline
	open     Opener
	logger   zerolog.Logger

	mu                  sync.RWMutex
	running             bool
	frames              int64
	currentFPS          float64
	consecutiveFailures int
	lastFrameTime       time.Time

	heartbeats sync.WaitGroup
}

// NewService creates the capture loop. A nil opener uses OpenSource.
func NewService(opts Options, pipeline Pipeline, open Opener, logger zerolog.Logger) *Service {
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 10
	}
	if opts.FPSLogInterval <= 0 {
		opts.FPSLogInterval = 30
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Minute
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if open == nil {
		open = OpenSource
	}
	return &Service{
		opts:     opts,
		pipeline: pipeline,
		open:     open,
		logger:   logger.With().Str("source", opts.Source).Logger(),
	}
}

// IsWebcam reports whether the source names a device index
func IsWebcam(source string) bool {
	_, err := strconv.Atoi(source)
	return err == nil && source != ""
}

// IsStream reports whether the source is a network stream
func IsStream(source string) bool {
	lower := strings.ToLower(source)
	for _, scheme := range []string{"rtsp://", "rtmp://", "http://", "https://", "udp://", "tcp://"} {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// IsFile reports whether the source is a local video file that can be rewound
func IsFile(source string) bool {
	return !IsWebcam(source) && !IsStream(source)
}

// OpenSource opens a webcam index, a network stream through FFmpeg, or a file
func OpenSource(source string) (FrameSource, error) {
	var (
		cap *gocv.VideoCapture
		err error
	)

	switch {
	case IsWebcam(source):
		index, _ := strconv.Atoi(source)
		cap, err = gocv.OpenVideoCapture(index)
	case IsStream(source):
		configureFFmpegOptions()
		cap, err = gocv.OpenVideoCaptureWithAPI(source, gocv.VideoCaptureFFmpeg)
	default:
		if _, statErr := os.Stat(source); statErr != nil {
			return nil, fmt.Errorf("video file %s: %w", source, statErr)
		}
		cap, err = gocv.OpenVideoCapture(source)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open video source %s: %w", source, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("video source %s could not be opened", source)
	}

	cap.Set(gocv.VideoCaptureBufferSize, 1)
	return cap, nil
}

// configureFFmpegOptions tunes the OpenCV FFmpeg backend for low latency RTSP reads
func configureFFmpegOptions() {
	ffmpegOptions := map[string]string{
		"rtsp_transport":      "tcp",
		"buffer_size":         "2097152",
		"max_delay":           "500000",
		"stimeout":            "5000000",
		"rw_timeout":          "5000000",
		"flags":               "low_delay",
		"fflags":              "nobuffer+flush_packets",
		"analyzeduration":     "500000",
		"probesize":           "2000000",
		"allowed_media_types": "video",
		"reconnect":           "1",
		"reconnect_streamed":  "1",
		"reconnect_delay_max": "2",
	}

	options := make([]string, 0, len(ffmpegOptions))
	for key, value := range ffmpegOptions {
		options = append(options, key+";"+value)
	}
	sort.Strings(options)

	os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS", strings.Join(options, "|"))
}

// Run captures until the context ends, the file ends, or reads keep failing
func (s *Service) Run(ctx context.Context) error {
	src, err := s.open(s.opts.Source)
	if err != nil {
		return err
	}
	defer src.Close()

	s.logger.Info().
		Float64("fps", src.Get(gocv.VideoCaptureFPS)).
		Float64("width", src.Get(gocv.VideoCaptureFrameWidth)).
		Float64("height", src.Get(gocv.VideoCaptureFrameHeight)).
		Float64("total_frames", src.Get(gocv.VideoCaptureFrameCount)).
		Msg("Video source opened")

	s.setRunning(true)
	defer s.setRunning(false)
	defer s.heartbeats.Wait()

	lastHeartbeat := time.Now()
	if s.opts.SendEvents {
		s.sendHeartbeat(ctx)
	}

	var frameInterval time.Duration
	if s.opts.MaxFPS > 0 {
		frameInterval = time.Second / time.Duration(s.opts.MaxFPS)
	}

	isFile := IsFile(s.opts.Source)
	frame := gocv.NewMat()
	defer frame.Close()

	windowStart := time.Now()
	windowFrames := 0

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Stopping capture loop due to context cancel")
			return nil
		default:
		}

		readStart := time.Now()
		if ok := src.Read(&frame); !ok || frame.Empty() {
			failures := s.recordFailure()

			if isFile && !s.opts.Loop {
				s.logger.Info().Int64("frames", s.FrameCount()).Msg("End of video reached")
				return nil
			}
			if failures >= s.opts.MaxConsecutiveFailures {
				return fmt.Errorf("%w (%d)", ErrTooManyFailures, failures)
			}
			if isFile {
				s.logger.Debug().Msg("Rewinding video")
				src.Set(gocv.VideoCapturePosFrames, 0)
				continue
			}

			s.logger.Warn().Int("consecutive_failures", failures).Msg("Failed to read frame")
			delay := min(time.Duration(failures)*s.opts.RetryBackoff, 2*time.Second)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}

		s.recordFrame(readStart)

		if _, err := s.pipeline.ProcessFrame(ctx, frame, s.opts.SendEvents); err != nil {
			s.logger.Warn().Err(err).Msg("Frame processing failed")
		} else if s.opts.Observer != nil {
			s.opts.Observer.FrameProcessed()
		}

		windowFrames++
		if windowFrames >= s.opts.FPSLogInterval {
			elapsed := time.Since(windowStart).Seconds()
			if elapsed > 0 {
				fps := float64(windowFrames) / elapsed
				s.setFPS(fps)
				s.logger.Info().
					Float64("fps", fps).
					Int64("frames", s.FrameCount()).
					Msg("Capture rate")
			}
			windowStart = time.Now()
			windowFrames = 0
		}

		if s.opts.SendEvents && time.Since(lastHeartbeat) >= s.opts.HeartbeatInterval {
			lastHeartbeat = time.Now()
			s.sendHeartbeat(ctx)
		}

		if frameInterval > 0 {
			if wait := frameInterval - time.Since(readStart); wait > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
			}
		}
	}
}

// sendHeartbeat runs off the capture goroutine so a slow backend does not stall frames
func (s *Service) sendHeartbeat(ctx context.Context) {
	s.heartbeats.Add(1)
	go func() {
		defer s.heartbeats.Done()
		if err := s.pipeline.Heartbeat(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Heartbeat failed")
		}
	}()
}

func (s *Service) setRunning(running bool) {
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
}

func (s *Service) setFPS(fps float64) {
	s.mu.Lock()
	s.currentFPS = fps
	s.mu.Unlock()
}

func (s *Service) recordFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	return s.consecutiveFailures
}

func (s *Service) recordFrame(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
	s.frames++
	s.lastFrameTime = at
}

// FrameCount returns the number of frames read so far
func (s *Service) FrameCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frames
}

// Stats describes the capture state
func (s *Service) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"source":               s.opts.Source,
		"running":              s.running,
		"frames":               s.frames,
		"current_fps":          s.currentFPS,
		"consecutive_failures": s.consecutiveFailures,
		"loop":                 s.opts.Loop,
	}
	if !s.lastFrameTime.IsZero() {
		stats["last_frame_time"] = s.lastFrameTime
	}
	return stats
}
