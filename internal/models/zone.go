package models

import (
	"errors"
	"fmt"
	"image"
)

// ErrDuplicateZoneID is returned when two enabled or disabled zones share an id
var ErrDuplicateZoneID = errors.New("duplicate zone id")

// Zone is a fixed rectangular region of the camera frame mapped to one parking slot
type Zone struct {
	Code   string `json:"code"`
	ID     int    `json:"id"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// NewZone creates a zone and rejects negative dimensions
func NewZone(code string, id, x, y, width, height int) (Zone, error) {
	if width < 0 || height < 0 {
		return Zone{}, fmt.Errorf("zone %s: negative size %dx%d", code, width, height)
	}
	return Zone{Code: code, ID: id, X: x, Y: y, Width: width, Height: height}, nil
}

// BBox returns the zone as (x1, y1, x2, y2)
func (z Zone) BBox() (int, int, int, int) {
	return z.X, z.Y, z.X + z.Width, z.Y + z.Height
}

// BBoxFloat returns the bounding box in the float layout used by detections
func (z Zone) BBoxFloat() [4]float64 {
	x1, y1, x2, y2 := z.BBox()
	return [4]float64{float64(x1), float64(y1), float64(x2), float64(y2)}
}

// Center returns the integer center of the zone
func (z Zone) Center() (int, int) {
	return z.X + z.Width/2, z.Y + z.Height/2
}

// Area returns width * height
func (z Zone) Area() int {
	return z.Width * z.Height
}

// Rect returns the zone as an image.Rectangle
func (z Zone) Rect() image.Rectangle {
	x1, y1, x2, y2 := z.BBox()
	return image.Rect(x1, y1, x2, y2)
}

// ContainsPoint reports whether (x, y) lies inside the zone, edges included
func (z Zone) ContainsPoint(x, y float64) bool {
	x1, y1, x2, y2 := z.BBox()
	return float64(x1) <= x && x <= float64(x2) && float64(y1) <= y && y <= float64(y2)
}

// ZoneConfig is a zone as written in the zones file
type ZoneConfig struct {
	ID      int     `yaml:"id" json:"id"`
	Name    string  `yaml:"name" json:"name"`
	Coords  [][]int `yaml:"coords" json:"coords"`
	Type    string  `yaml:"type,omitempty" json:"type,omitempty"`
	Enabled *bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled treats a missing enabled flag as true
func (zc ZoneConfig) IsEnabled() bool {
	return zc.Enabled == nil || *zc.Enabled
}

var defaultZoneCoords = [][]int{{0, 0}, {100, 0}, {100, 100}, {0, 100}}

// ZoneFromConfig derives the axis-aligned bounding box of the configured polygon
func ZoneFromConfig(zc ZoneConfig) (Zone, error) {
	coords := zc.Coords
	if len(coords) == 0 {
		coords = defaultZoneCoords
	}

	for i, point := range coords {
		if len(point) < 2 {
			return Zone{}, fmt.Errorf("zone %d: point %d needs two coordinates", zc.ID, i)
		}
	}

	minX, minY := coords[0][0], coords[0][1]
	maxX, maxY := minX, minY
	for _, point := range coords[1:] {
		minX = min(minX, point[0])
		maxX = max(maxX, point[0])
		minY = min(minY, point[1])
		maxY = max(maxY, point[1])
	}

	code := zc.Name
	if code == "" {
		code = fmt.Sprintf("zone_%d", zc.ID)
	}

	return NewZone(code, zc.ID, minX, minY, maxX-minX, maxY-minY)
}

// ZonesFromConfig builds the enabled zones in file order
func ZonesFromConfig(configs []ZoneConfig) ([]Zone, error) {
	seen := make(map[int]struct{}, len(configs))
	zones := make([]Zone, 0, len(configs))

	for _, zc := range configs {
		if _, dup := seen[zc.ID]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateZoneID, zc.ID)
		}
		seen[zc.ID] = struct{}{}

		if !zc.IsEnabled() {
			continue
		}

		zone, err := ZoneFromConfig(zc)
		if err != nil {
			return nil, err
		}
		zones = append(zones, zone)
	}

	return zones, nil
}

// OverlapRatio returns the intersection-over-union of two (x1, y1, x2, y2) boxes
func OverlapRatio(a, b [4]float64) float64 {
	x1 := max(a[0], b[0])
	y1 := max(a[1], b[1])
	x2 := min(a[2], b[2])
	y2 := min(a[3], b[3])

	if x2 < x1 || y2 < y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}
