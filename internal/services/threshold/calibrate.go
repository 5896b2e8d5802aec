package threshold

import (
	"gocv.io/x/gocv"

	"smartpark-worker-go/internal/models"
)

const (
	calibrationStart = 1000
	calibrationStop  = 8000
	calibrationStep  = 500
)

// CalibrationSample is a frame with the expected status of each zone, by position
type CalibrationSample struct {
	Frame    gocv.Mat
	Zones    []models.Zone
	Expected []models.SlotStatus
}

// Calibrate tries thresholds from 1000 to 7500 in steps of 500 and keeps the one whose
// predictions match the most labels. Ties keep the lower threshold. The winner is applied.
func (d *Detector) Calibrate(samples []CalibrationSample) (int, float64) {
	bestThreshold := d.Threshold()
	bestAccuracy := 0.0

	if len(samples) == 0 {
		d.logger.Warn().Msg("Calibration skipped: no samples")
		return bestThreshold, bestAccuracy
	}

	// Counts do not depend on the threshold, so each sample is preprocessed once
	counts := make([][]int, len(samples))
	for i, sample := range samples {
		processed, err := d.preprocess(sample.Frame)
		if err != nil {
			processed.Close()
			d.logger.Warn().Err(err).Int("sample", i).Msg("Calibration sample could not be processed")
			continue
		}
		zoneCounts := make([]int, len(sample.Zones))
		for j, zone := range sample.Zones {
			zoneCounts[j] = CountZonePixels(processed, zone)
		}
		processed.Close()
		counts[i] = zoneCounts
	}

	for candidate := calibrationStart; candidate < calibrationStop; candidate += calibrationStep {
		accuracy := calibrationAccuracy(samples, counts, candidate)
		if accuracy > bestAccuracy {
			bestAccuracy = accuracy
			bestThreshold = candidate
		}
		d.logger.Debug().Int("candidate", candidate).Float64("accuracy", accuracy).Msg("Calibration candidate evaluated")
	}

	d.UpdateThreshold(bestThreshold)
	d.logger.Info().
		Int("threshold", bestThreshold).
		Float64("accuracy", bestAccuracy).
		Int("samples", len(samples)).
		Msg("Threshold calibration complete")

	return bestThreshold, bestAccuracy
}

// calibrationAccuracy scores one candidate. A sample that failed preprocessing predicts
// UNKNOWN for every zone, which never matches a label.
func calibrationAccuracy(samples []CalibrationSample, counts [][]int, threshold int) float64 {
	correct, total := 0, 0
	for i, sample := range samples {
		for j, expected := range sample.Expected {
			if j >= len(sample.Zones) {
				break
			}
			total++

			predicted := models.SlotStatusUnknown
			if counts[i] != nil {
				predicted, _ = ClassifyPixelCount(counts[i][j], threshold)
			}
			if predicted == expected {
				correct++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}
