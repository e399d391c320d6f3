package score

import "math"

// defaultWeights drives both the built-in evaluator and the factor record on
// every score. An external model replaces the evaluator, not the weights.
var defaultWeights = map[string]float64{
	"signal_count":       0.08,
	"mean_confidence":    0.30,
	"max_confidence":     0.20,
	"distinct_kinds":     0.12,
	"entity_count":       0.10,
	"duration_seconds":   0.0,
	"burst_rate":         0.08,
	"peer_corroboration": 0.12,
}

// WeightedEvaluator is the built-in heuristic scoring capability. It stands
// in for an external anomaly model and is fully deterministic: identical
// features always produce an identical score.
type WeightedEvaluator struct {
	// Bias shifts the score for aggressive postures. Zero for standard.
	Bias float64
}

// Evaluate maps the feature vector to [0,1] with a saturating weighted sum.
func (e *WeightedEvaluator) Evaluate(features map[string]float64) (float64, error) {
	sum := e.Bias
	sum += defaultWeights["mean_confidence"] * features["mean_confidence"]
	sum += defaultWeights["max_confidence"] * features["max_confidence"]
	sum += defaultWeights["peer_corroboration"] * features["peer_corroboration"]

	// Count-like features saturate instead of growing without bound.
	sum += defaultWeights["signal_count"] * saturate(features["signal_count"], 10)
	sum += defaultWeights["distinct_kinds"] * saturate(features["distinct_kinds"], 5)
	sum += defaultWeights["entity_count"] * saturate(features["entity_count"], 8)
	sum += defaultWeights["burst_rate"] * saturate(features["burst_rate"], 20)

	return math.Min(math.Max(sum, 0), 1), nil
}

func saturate(v, scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	return 1 - math.Exp(-v/scale)
}

// PostureBias returns the evaluator bias for a defense posture.
func PostureBias(posture string) float64 {
	switch posture {
	case "passive":
		return -0.05
	case "aggressive":
		return 0.05
	case "paranoid":
		return 0.10
	default:
		return 0
	}
}
