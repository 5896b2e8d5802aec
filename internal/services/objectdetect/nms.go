package objectdetect

import (
	"sort"

	"smartpark-worker-go/internal/models"
)

// NMS performs class-wise greedy non-maximum suppression. The result is ordered by
// descending confidence.
func NMS(dets []RawDetection, iouThreshold float64) []RawDetection {
	if len(dets) == 0 {
		return nil
	}

	sorted := make([]RawDetection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]RawDetection, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].ClassID != sorted[i].ClassID {
				continue
			}
			if models.OverlapRatio(sorted[i].BBox, sorted[j].BBox) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// FilterVehicles keeps detections whose class is in the allow-list and names them
func FilterVehicles(dets []RawDetection, classes map[int]string) []models.VehicleDetection {
	vehicles := make([]models.VehicleDetection, 0, len(dets))
	for _, det := range dets {
		name, ok := classes[det.ClassID]
		if !ok {
			continue
		}
		vehicles = append(vehicles, models.VehicleDetection{
			BBox:       det.BBox,
			Confidence: det.Confidence,
			ClassID:    det.ClassID,
			ClassName:  name,
			Center: [2]float64{
				(det.BBox[0] + det.BBox[2]) / 2,
				(det.BBox[1] + det.BBox[3]) / 2,
			},
		})
	}
	return vehicles
}

// AttributeToZone returns the detections whose center lies in the zone or whose box
// overlaps the zone by more than overlapThreshold
func AttributeToZone(vehicles []models.VehicleDetection, zone models.Zone, overlapThreshold float64) []models.VehicleDetection {
	zoneBox := zone.BBoxFloat()
	var matched []models.VehicleDetection
	for _, v := range vehicles {
		if zone.ContainsPoint(v.Center[0], v.Center[1]) || models.OverlapRatio(v.BBox, zoneBox) > overlapThreshold {
			matched = append(matched, v)
		}
	}
	return matched
}
