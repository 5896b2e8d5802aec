package rendering

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"
	"time"

	"gocv.io/x/gocv"

	"smartpark-worker-go/internal/models"
)

var (
	colorFree     = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	colorOccupied = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	colorUnknown  = color.RGBA{R: 160, G: 160, B: 160, A: 255}
	colorWhite    = color.RGBA{R: 255, G: 255, B: 255, A: 255}

	vehicleColors = map[string]color.RGBA{
		"car":        {R: 0, G: 140, B: 255, A: 255},
		"truck":      {R: 0, G: 100, B: 255, A: 255},
		"bus":        {R: 255, G: 165, B: 0, A: 255},
		"motorcycle": {R: 255, G: 0, B: 255, A: 255},
		"default":    {R: 0, G: 0, B: 255, A: 255},
	}
)

// StatusColor returns the zone outline color for a status
func StatusColor(status models.SlotStatus) color.RGBA {
	switch status {
	case models.SlotStatusOccupied:
		return colorOccupied
	case models.SlotStatusFree:
		return colorFree
	default:
		return colorUnknown
	}
}

// DrawZones outlines every zone colored by its latest status, with label lines above it
func DrawZones(mat *gocv.Mat, zones []models.Zone, results models.ZoneResults, showPixelCount bool) {
	if mat == nil || mat.Empty() {
		return
	}

	for _, zone := range zones {
		zoneColor := colorFree
		thickness := 2

		if res, ok := results[zone.Code]; ok {
			zoneColor = StatusColor(res.Status)
			if res.Status == models.SlotStatusOccupied {
				thickness = 3
			}

			lines := []string{zone.Code, res.Status.String(), fmt.Sprintf("%.2f", res.Confidence)}
			if showPixelCount && res.ThresholdUsed > 0 {
				lines = append(lines, fmt.Sprintf("px:%d", res.PixelCount))
			}

			textY := zone.Y - 10
			for i, line := range lines {
				gocv.PutText(mat, line, image.Pt(zone.X, textY-i*20), gocv.FontHersheySimplex, 0.5, colorWhite, 1)
			}
		}

		gocv.Rectangle(mat, zone.Rect(), zoneColor, thickness)
	}
}

// DrawDetections draws vehicle boxes with corner accents and a class label
func DrawDetections(mat *gocv.Mat, detections []models.VehicleDetection) {
	if mat == nil || mat.Empty() || len(detections) == 0 {
		return
	}

	width, height := mat.Cols(), mat.Rows()
	for _, det := range detections {
		x1, y1, x2, y2 := int(det.BBox[0]), int(det.BBox[1]), int(det.BBox[2]), int(det.BBox[3])
		x1 = max(0, min(width-2, x1))
		y1 = max(0, min(height-2, y1))
		x2 = max(x1+1, min(width-1, x2))
		y2 = max(y1+1, min(height-1, y2))

		detColor := vehicleColors["default"]
		if c, ok := vehicleColors[det.ClassName]; ok {
			detColor = c
		}

		gocv.Rectangle(mat, image.Rect(x1, y1, x2, y2), detColor, 2)
		drawCorners(mat, x1, y1, x2, y2, detColor)
		DrawTextEnhanced(mat, fmt.Sprintf("%s %.2f", det.ClassName, det.Confidence), x1, max(15, y1-6), detColor, 0.5, 1)
	}
}

func drawCorners(mat *gocv.Mat, x1, y1, x2, y2 int, c color.RGBA) {
	cornerLength := 15
	cornerThickness := 3
	gocv.Line(mat, image.Pt(x1, y1), image.Pt(x1+cornerLength, y1), c, cornerThickness)
	gocv.Line(mat, image.Pt(x1, y1), image.Pt(x1, y1+cornerLength), c, cornerThickness)
	gocv.Line(mat, image.Pt(x2, y1), image.Pt(x2-cornerLength, y1), c, cornerThickness)
	gocv.Line(mat, image.Pt(x2, y1), image.Pt(x2, y1+cornerLength), c, cornerThickness)
	gocv.Line(mat, image.Pt(x1, y2), image.Pt(x1+cornerLength, y2), c, cornerThickness)
	gocv.Line(mat, image.Pt(x1, y2), image.Pt(x1, y2-cornerLength), c, cornerThickness)
	gocv.Line(mat, image.Pt(x2, y2), image.Pt(x2-cornerLength, y2), c, cornerThickness)
	gocv.Line(mat, image.Pt(x2, y2), image.Pt(x2, y2-cornerLength), c, cornerThickness)
}

// SummaryInfo is the data shown in the header band of a debug frame
type SummaryInfo struct {
	TotalSlots     int
	FreeSlots      int
	OccupiedSlots  int
	Mode           models.DetectionMode
	FPS            float64
	ProcessingTime time.Duration
	Timestamp      time.Time
	TextColor      string
}

// SummaryLines formats the header band text
func SummaryLines(info SummaryInfo) []string {
	ts := info.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return []string{
		fmt.Sprintf("FREE: %d/%d | OCCUPIED: %d", info.FreeSlots, info.TotalSlots, info.OccupiedSlots),
		fmt.Sprintf("MODE: %s | FPS: %.1f | PROC: %.1fms",
			strings.ToUpper(info.Mode.String()), info.FPS, float64(info.ProcessingTime.Microseconds())/1000),
		ts.Format("2006-01-02 15:04:05"),
	}
}

// DrawSummary blends a translucent header band over the top of the frame
func DrawSummary(mat *gocv.Mat, info SummaryInfo) {
	if mat == nil || mat.Empty() {
		return
	}

	width := mat.Cols()
	overlay := mat.Clone()
	defer overlay.Close()

	gocv.Rectangle(&overlay, image.Rect(10, 10, max(11, width-10), 120), color.RGBA{R: 50, G: 50, B: 50, A: 255}, -1)
	gocv.AddWeighted(overlay, 0.7, *mat, 0.3, 0, mat)

	textColor := colorWhite
	if info.TextColor != "" {
		if c, err := parseHexColor(info.TextColor); err == nil && !isDarkColor(c) {
			textColor = c
		}
	}

	lines := SummaryLines(info)
	gocv.PutText(mat, lines[0], image.Pt(20, 35), gocv.FontHersheySimplex, 0.7, textColor, 2)
	gocv.PutText(mat, lines[1], image.Pt(20, 60), gocv.FontHersheySimplex, 0.5, textColor, 1)
	gocv.PutText(mat, lines[2], image.Pt(20, 85), gocv.FontHersheySimplex, 0.5, textColor, 1)
}

// DrawTextEnhanced draws text over a dark box with a slight shadow
func DrawTextEnhanced(mat *gocv.Mat, text string, x, y int, textColor color.RGBA, fontScale float64, thickness int) {
	fontFace := gocv.FontHersheySimplex
	textSize := gocv.GetTextSize(text, fontFace, fontScale, thickness)

	padding := 4
	bgRect := image.Rect(x-padding, y-textSize.Y-padding, x+textSize.X+padding, y+padding)
	gocv.Rectangle(mat, bgRect, color.RGBA{R: 0, G: 0, B: 0, A: 200}, -1)
	gocv.Rectangle(mat, bgRect, color.RGBA{R: 40, G: 40, B: 40, A: 255}, 1)

	gocv.PutText(mat, text, image.Pt(x+1, y+1), fontFace, fontScale, color.RGBA{A: 100}, thickness)
	gocv.PutText(mat, text, image.Pt(x, y), fontFace, fontScale, textColor, thickness)
}

// EncodeJPEG encodes a frame with the given quality
func EncodeJPEG(mat gocv.Mat, quality int) ([]byte, error) {
	if mat.Empty() {
		return nil, fmt.Errorf("empty frame")
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame as JPEG: %w", err)
	}
	defer buf.Close()

	// GetBytes aliases native memory that Close frees
	data := append([]byte(nil), buf.GetBytes()...)
	return data, nil
}

// parseHexColor converts a color string like "#RRGGBB" to color.RGBA
func parseHexColor(s string) (color.RGBA, error) {
	var c color.RGBA
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return c, fmt.Errorf("invalid color length: %s", s)
	}
	r, err := strconv.ParseUint(s[0:2], 16, 8)
	if err != nil {
		return c, err
	}
	g, err := strconv.ParseUint(s[2:4], 16, 8)
	if err != nil {
		return c, err
	}
	b, err := strconv.ParseUint(s[4:6], 16, 8)
	if err != nil {
		return c, err
	}
	return color.RGBA{R: uint8(r), G: uint8(g), B: uint8(b), A: 255}, nil
}

// isDarkColor uses perceived luminance to keep text readable
func isDarkColor(c color.RGBA) bool {
	luminance := 0.2126*float64(c.R) + 0.7152*float64(c.G) + 0.0722*float64(c.B)
	return luminance < 128
}
