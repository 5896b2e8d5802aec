package fusion

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStrategy is returned for a strategy name outside the closed set
var ErrUnknownStrategy = errors.New("unknown fusion strategy")

// Strategy selects how threshold and object results are reconciled
type Strategy string

const (
	StrategyConsensusPriority Strategy = "consensus_priority"
	StrategyObjectPriority    Strategy = "object_priority"
	StrategyThresholdPriority Strategy = "threshold_priority"
	StrategyWeightedAverage   Strategy = "weighted_average"
	StrategyConservative      Strategy = "conservative"
)

// AllStrategies lists every supported strategy
var AllStrategies = []Strategy{
	StrategyConsensusPriority,
	StrategyObjectPriority,
	StrategyThresholdPriority,
	StrategyWeightedAverage,
	StrategyConservative,
}

// String returns the string representation of Strategy
func (s Strategy) String() string {
	return string(s)
}

// IsValid checks if the strategy is one of the known values
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyConsensusPriority, StrategyObjectPriority, StrategyThresholdPriority,
		StrategyWeightedAverage, StrategyConservative:
		return true
	default:
		return false
	}
}

// ParseStrategy parses a strategy name. "yolo_priority" is accepted for object_priority.
func ParseStrategy(name string) (Strategy, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "yolo_priority" {
		return StrategyObjectPriority, nil
	}
	s := Strategy(normalized)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

// Config holds the fusion policy parameters
type Config struct {
	Strategy                   Strategy `json:"strategy"`
	ThresholdWeight            float64  `json:"threshold_weight"`
	ObjectWeight               float64  `json:"object_weight"`
	ConfidenceAdjustment       float64  `json:"confidence_adjustment"`
	ObjectPriorityThreshold    float64  `json:"object_priority_threshold"`
	ThresholdPriorityThreshold float64  `json:"threshold_priority_threshold"`
	ConsensusDiscount          float64  `json:"consensus_discount"`
	FallbackDiscount           float64  `json:"fallback_discount"`
}

// DefaultConfig returns the consensus_priority policy with its stock parameters
func DefaultConfig() Config {
	return Config{
		Strategy:                   StrategyConsensusPriority,
		ThresholdWeight:            0.4,
		ObjectWeight:               0.6,
		ConfidenceAdjustment:       0.8,
		ObjectPriorityThreshold:    0.7,
		ThresholdPriorityThreshold: 0.9,
		ConsensusDiscount:          0.95,
		FallbackDiscount:           0.7,
	}
}

// weightSumTolerance absorbs float rounding in sums such as 0.7+0.3
const weightSumTolerance = 1e-9

// Validate rejects unknown strategies and weights that are negative or sum above 1
func (c Config) Validate() error {
	if !c.Strategy.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, c.Strategy)
	}
	return ValidateWeights(c.ThresholdWeight, c.ObjectWeight)
}

// ValidateWeights checks that the weighted_average weights form a valid blend
func ValidateWeights(thresholdWeight, objectWeight float64) error {
	if thresholdWeight < 0 || objectWeight < 0 {
		return fmt.Errorf("fusion weights must not be negative (threshold=%.2f, object=%.2f)", thresholdWeight, objectWeight)
	}
	if sum := thresholdWeight + objectWeight; sum > 1+weightSumTolerance {
		return fmt.Errorf("fusion weights must sum to at most 1, got %.2f (threshold=%.2f, object=%.2f)", sum, thresholdWeight, objectWeight)
	}
	return nil
}
