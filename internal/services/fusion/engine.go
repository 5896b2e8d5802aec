package fusion

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"smartpark-worker-go/internal/models"
)

const (
	PrimaryConsensus         = "consensus"
	PrimaryObject            = "object"
	PrimaryThreshold         = "threshold"
	PrimaryObjectFallback    = "object_fallback"
	PrimaryWeightedAverage   = "weighted_average"
	PrimaryConsensusOccupied = "consensus_occupied"
	PrimaryThresholdOccupied = "threshold_occupied"
	PrimaryObjectOccupied    = "object_occupied"
	PrimaryConsensusFree     = "consensus_free"
	PrimaryNone              = "none"

	statsAlpha = 0.1
	maxBoost   = 0.95
)

// decision is the outcome of one strategy before it is wrapped in a result
type decision struct {
	status     models.SlotStatus
	confidence float64
	primary    string
}

// Engine reconciles threshold and object results per zone
type Engine struct {
	logger zerolog.Logger

	mu                     sync.RWMutex
	cfg                    Config
	totalFusions           int64
	consensusRate          float64
	objectPriorityCount    int64
	thresholdPriorityCount int64
	avgFusionTime          time.Duration
}

// New validates the configuration and returns an engine
func New(cfg Config, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info().Str("strategy", cfg.Strategy.String()).Msg("Fusion engine initialized")
	return &Engine{cfg: cfg, logger: logger}, nil
}

// Strategy returns the active strategy
func (e *Engine) Strategy() Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Strategy
}

// SetStrategy switches strategy from the next fusion
func (e *Engine) SetStrategy(s Strategy) error {
	if !s.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
	e.mu.Lock()
	old := e.cfg.Strategy
	e.cfg.Strategy = s
	e.mu.Unlock()

	e.logger.Info().Str("old", old.String()).Str("new", s.String()).Msg("Fusion strategy changed")
	return nil
}

// Fuse combines one zone's raw results. A nil or UNKNOWN input yields UNKNOWN.
func (e *Engine) Fuse(zone models.Zone, t, o *models.DetectionResult) models.DetectionResult {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	return fuse(cfg, zone, t, o)
}

func fuse(cfg Config, zone models.Zone, t, o *models.DetectionResult) models.DetectionResult {
	start := time.Now()
	result := models.DetectionResult{
		ZoneID:          zone.ID,
		Method:          models.DetectionModeHybrid,
		FusionStrategy:  cfg.Strategy.String(),
		ThresholdResult: t,
		ObjectResult:    o,
	}

	if t == nil || o == nil || t.Status == models.SlotStatusUnknown || o.Status == models.SlotStatusUnknown {
		result.Status = models.SlotStatusUnknown
		result.PrimaryMethod = PrimaryNone
		result.Error = missingInputError(t, o)
		result.ProcessingTime = time.Since(start)
		return result
	}

	consensus := t.Status == o.Status

	var d decision
	switch cfg.Strategy {
	case StrategyObjectPriority:
		d = priorityFusion(o, t, consensus, PrimaryObject)
	case StrategyThresholdPriority:
		d = priorityFusion(t, o, consensus, PrimaryThreshold)
	case StrategyWeightedAverage:
		d = weightedAverageFusion(cfg, t, o)
	case StrategyConservative:
		d = conservativeFusion(cfg, t, o)
	default:
		d = consensusPriorityFusion(cfg, t, o, consensus)
	}

	result.Status = d.status
	result.Confidence = d.confidence
	result.PrimaryMethod = d.primary
	result.Consensus = consensus
	result.VehicleType = o.VehicleType
	result.VehicleCount = o.VehicleCount
	result.PixelCount = t.PixelCount
	result.ThresholdUsed = t.ThresholdUsed
	result.ProcessingTime = time.Since(start)
	return result
}

func missingInputError(t, o *models.DetectionResult) string {
	var parts []string
	if t == nil {
		parts = append(parts, "threshold result missing")
	} else if t.Status == models.SlotStatusUnknown {
		parts = append(parts, "threshold result unknown")
	}
	if o == nil {
		parts = append(parts, "object result missing")
	} else if o.Status == models.SlotStatusUnknown {
		parts = append(parts, "object result unknown")
	}
	return strings.Join(parts, "; ")
}

func consensusPriorityFusion(cfg Config, t, o *models.DetectionResult, consensus bool) decision {
	switch {
	case consensus:
		return decision{t.Status, math.Min(t.Confidence, o.Confidence) * cfg.ConsensusDiscount, PrimaryConsensus}
	case o.Confidence > cfg.ObjectPriorityThreshold:
		return decision{o.Status, o.Confidence * cfg.ConfidenceAdjustment, PrimaryObject}
	case t.Confidence > cfg.ThresholdPriorityThreshold:
		return decision{t.Status, t.Confidence * cfg.ConfidenceAdjustment, PrimaryThreshold}
	default:
		return decision{o.Status, o.Confidence * cfg.FallbackDiscount, PrimaryObjectFallback}
	}
}

// priorityFusion always takes the primary detector's status
func priorityFusion(primary, secondary *models.DetectionResult, consensus bool, label string) decision {
	if consensus {
		return decision{primary.Status, math.Min(maxBoost, primary.Confidence+secondary.Confidence*0.1), label}
	}
	return decision{primary.Status, primary.Confidence * 0.9, label}
}

func occupiedScore(r *models.DetectionResult) float64 {
	if r.Status == models.SlotStatusOccupied {
		return r.Confidence
	}
	return 1 - r.Confidence
}

func weightedAverageFusion(cfg Config, t, o *models.DetectionResult) decision {
	score := math.Min(1, cfg.ThresholdWeight*occupiedScore(t)+cfg.ObjectWeight*occupiedScore(o))
	if score > 0.5 {
		return decision{models.SlotStatusOccupied, score, PrimaryWeightedAverage}
	}
	return decision{models.SlotStatusFree, 1 - score, PrimaryWeightedAverage}
}

func conservativeFusion(cfg Config, t, o *models.DetectionResult) decision {
	tOcc := t.Status == models.SlotStatusOccupied
	oOcc := o.Status == models.SlotStatusOccupied

	switch {
	case tOcc && oOcc:
		return decision{models.SlotStatusOccupied, math.Max(t.Confidence, o.Confidence), PrimaryConsensusOccupied}
	case tOcc:
		return decision{models.SlotStatusOccupied, t.Confidence * cfg.ConfidenceAdjustment, PrimaryThresholdOccupied}
	case oOcc:
		return decision{models.SlotStatusOccupied, o.Confidence * cfg.ConfidenceAdjustment, PrimaryObjectOccupied}
	default:
		return decision{models.SlotStatusFree, math.Min(t.Confidence, o.Confidence), PrimaryConsensusFree}
	}
}

// FuseAll fuses every zone and updates the running statistics
func (e *Engine) FuseAll(zones []models.Zone, thresholdResults, objectResults models.ZoneResults) models.ZoneResults {
	start := time.Now()

	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	results := make(models.ZoneResults, len(zones))
	for _, zone := range zones {
		var t, o *models.DetectionResult
		if res, ok := thresholdResults[zone.Code]; ok {
			t = &res
		}
		if res, ok := objectResults[zone.Code]; ok {
			o = &res
		}
		results[zone.Code] = fuse(cfg, zone, t, o)
	}

	e.recordStats(results, time.Since(start))
	return results
}

func (e *Engine) recordStats(results models.ZoneResults, elapsed time.Duration) {
	consensusCount := 0
	var objectCount, thresholdCount int64
	for _, res := range results {
		if res.Consensus {
			consensusCount++
		}
		switch {
		case strings.Contains(res.PrimaryMethod, PrimaryObject):
			objectCount++
		case strings.Contains(res.PrimaryMethod, PrimaryThreshold):
			thresholdCount++
		}
	}

	rate := 0.0
	if len(results) > 0 {
		rate = float64(consensusCount) / float64(len(results))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalFusions++
	if e.consensusRate == 0 {
		e.consensusRate = rate
	} else {
		e.consensusRate = statsAlpha*rate + (1-statsAlpha)*e.consensusRate
	}
	e.objectPriorityCount += objectCount
	e.thresholdPriorityCount += thresholdCount

	if e.avgFusionTime == 0 {
		e.avgFusionTime = elapsed
	} else {
		e.avgFusionTime = time.Duration(statsAlpha*float64(elapsed) + (1-statsAlpha)*float64(e.avgFusionTime))
	}
}

// Stats reports consensus and decision counters
func (e *Engine) Stats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return map[string]interface{}{
		"fusion_strategy":          e.cfg.Strategy.String(),
		"total_fusions":            e.totalFusions,
		"consensus_rate":           e.consensusRate,
		"object_priority_count":    e.objectPriorityCount,
		"threshold_priority_count": e.thresholdPriorityCount,
		"avg_fusion_time":          e.avgFusionTime.Seconds(),
		"config": map[string]interface{}{
			"threshold_weight":             e.cfg.ThresholdWeight,
			"object_weight":                e.cfg.ObjectWeight,
			"confidence_adjustment":        e.cfg.ConfidenceAdjustment,
			"object_priority_threshold":    e.cfg.ObjectPriorityThreshold,
			"threshold_priority_threshold": e.cfg.ThresholdPriorityThreshold,
		},
	}
}
