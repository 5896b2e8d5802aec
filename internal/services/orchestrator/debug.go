package orchestrator

import (
	"time"

	"gocv.io/x/gocv"

	"smartpark-worker-go/internal/rendering"
)

// DebugFrame renders the last processed frame with zone verdicts and, when showInfo is
// set, the summary band. It returns false before the first frame. The caller owns the mat.
func (o *Orchestrator) DebugFrame(showInfo bool) (gocv.Mat, bool) {
	o.mu.RLock()
	if o.lastFrame.Empty() {
		o.mu.RUnlock()
		return gocv.NewMat(), false
	}
	frame := o.lastFrame.Clone()
	mode := o.mode
	results := o.previous
	frameCount := o.frameCount
	o.mu.RUnlock()
	defer frame.Close()

	var debug gocv.Mat
	if renderer, ok := o.detectors[mode].(DebugRenderer); ok {
		debug = renderer.RenderDebug(frame, o.zones, results)
	} else {
		debug = frame.Clone()
		rendering.DrawZones(&debug, o.zones, results, false)
	}

	if showInfo && len(results) > 0 {
		total, free, occupied := results.Counts()
		info := rendering.SummaryInfo{
			TotalSlots:    total,
			FreeSlots:     free,
			OccupiedSlots: occupied,
			Mode:          mode,
			Timestamp:     time.Now(),
		}
		if elapsed := time.Since(o.startTime).Seconds(); elapsed > 0 && frameCount > 0 {
			info.FPS = float64(frameCount) / elapsed
		}
		if o.tracker != nil {
			if summary, ok := o.tracker.ModeSummary(mode, time.Minute); ok {
				info.ProcessingTime = time.Duration(summary.AvgProcessingTime * float64(time.Second))
			}
		}
		rendering.DrawSummary(&debug, info)
	}

	return debug, true
}
