package orchestrator

import (
	"sort"
	"time"

	"smartpark-worker-go/internal/models"
)

// DiffStatuses lists the zones whose status changed between two frames. Zones missing
// from either frame are skipped, and a change into UNKNOWN is never reported.
// Events are ordered by zone code.
func DiffStatuses(previous, current models.ZoneResults, at time.Time) []models.StatusChangeEvent {
	codes := make([]string, 0, len(current))
	for code := range current {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var changes []models.StatusChangeEvent
	for _, code := range codes {
		cur := current[code]
		prev, ok := previous[code]
		if !ok {
			continue
		}
		if cur.Status == prev.Status || cur.Status == models.SlotStatusUnknown {
			continue
		}
		changes = append(changes, models.StatusChangeEvent{
			ZoneCode:       code,
			ZoneID:         cur.ZoneID,
			PreviousStatus: prev.Status,
			CurrentStatus:  cur.Status,
			Confidence:     cur.Confidence,
			VehicleType:    cur.VehicleType,
			Timestamp:      at,
		})
	}
	return changes
}
