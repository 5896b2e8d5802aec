package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"gocv.io/x/gocv"

	"smartpark-worker-go/internal/logging"
	"smartpark-worker-go/internal/rendering"
	"smartpark-worker-go/internal/services/snapshot"
)

// Snapshotter persists a frame
type Snapshotter interface {
	Save(ctx context.Context, frame gocv.Mat, name string) (snapshot.Result, error)
}

// FrameStreamer serves a live MJPEG view
type FrameStreamer interface {
	StreamMJPEGHTTP(w http.ResponseWriter, r *http.Request)
}

// FrameHandler serves the annotated debug frame and takes snapshots.
// Encoded frames are cached for a short TTL so polling clients do not re-render.
type FrameHandler struct {
	pipeline  Pipeline
	snapshots Snapshotter
	stream    FrameStreamer
	frames    *cache.Cache
	quality   int
}

func NewFrameHandler(pipeline Pipeline, snapshots Snapshotter, stream FrameStreamer, ttl time.Duration, quality int) *FrameHandler {
	if ttl <= 0 {
		ttl = 500 * time.Millisecond
	}
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &FrameHandler{
		pipeline:  pipeline,
		snapshots: snapshots,
		stream:    stream,
		frames:    cache.New(ttl, 2*ttl),
		quality:   quality,
	}
}

type SnapshotRequest struct {
	Name     string `json:"name" example:"lot_a_morning.jpg"`
	ShowInfo bool   `json:"show_info"`
}

// @Summary Debug frame
// @Description Latest frame annotated with zone verdicts as JPEG
// @Tags debug
// @Produce jpeg
// @Param info query bool false "Draw the summary band" default(true)
// @Success 200 {file} binary
// @Failure 404 {object} ErrorResponse
// @Router /debug/frame [get]
func (h *FrameHandler) GetDebugFrame(c *gin.Context) {
	showInfo, err := strconv.ParseBool(c.DefaultQuery("info", "true"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "info must be a boolean"})
		return
	}

	key := "frame:" + strconv.FormatBool(showInfo)
	if cached, ok := h.frames.Get(key); ok {
		c.Header("X-Cache", "HIT")
		c.Data(http.StatusOK, "image/jpeg", cached.([]byte))
		return
	}

	frame, ok := h.pipeline.DebugFrame(showInfo)
	defer frame.Close()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no frame processed yet"})
		return
	}

	data, err := rendering.EncodeJPEG(frame, h.quality)
	if err != nil {
		logging.Error(c).Err(err).Msg("Failed to encode debug frame")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	h.frames.Set(key, data, cache.DefaultExpiration)

	c.Header("X-Cache", "MISS")
	c.Data(http.StatusOK, "image/jpeg", data)
}

// @Summary Live stream
// @Description Annotated frames as multipart/x-mixed-replace MJPEG
// @Tags debug
// @Produce multipart/x-mixed-replace
// @Success 200 {file} binary
// @Failure 503 {object} ErrorResponse
// @Router /debug/stream [get]
func (h *FrameHandler) StreamFrames(c *gin.Context) {
	if h.stream == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "live stream disabled"})
		return
	}
	h.stream.StreamMJPEGHTTP(c.Writer, c.Request)
}

// @Summary Take snapshot
// @Description Save the annotated latest frame to disk and, when configured, object storage
// @Tags debug
// @Accept json
// @Produce json
// @Param request body SnapshotRequest false "Snapshot options"
// @Success 201 {object} snapshot.Result
// @Failure 404 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /snapshots [post]
func (h *FrameHandler) TakeSnapshot(c *gin.Context) {
	if h.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "snapshots disabled"})
		return
	}

	var req SnapshotRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
	}

	frame, ok := h.pipeline.DebugFrame(req.ShowInfo)
	defer frame.Close()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no frame processed yet"})
		return
	}

	result, err := h.snapshots.Save(c.Request.Context(), frame, req.Name)
	if err != nil {
		logging.Error(c).Err(err).Msg("Failed to save snapshot")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	logging.Info(c).Str("name", result.Name).Str("object", result.Object).Msg("Snapshot saved")
	c.JSON(http.StatusCreated, result)
}
