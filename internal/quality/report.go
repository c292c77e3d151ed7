package quality

import (
	"math"
	"time"
)

// Normalization ceilings for the composite score. A metric at or past its
// ceiling contributes zero (or, for throughput, full) weight.
const (
	latencyCeilMs      = 200.0
	throughputCeilMbps = 50.0
	jitterCeilMs       = 50.0
	lossCeilPct        = 5.0
	scoreScale         = 1000
)

// Sentinel values reported when every latency probe fails. An unreachable
// peer still ranks, just last.
const (
	UnreachableLatencyMs = 999.0
	ThroughputFloorMbps  = 5.0
)

// Report is one peer's measured network characteristics at a point in time.
// Immutable once produced.
type Report struct {
	PeerID         string    `msgpack:"id" yaml:"peer_id"`
	LatencyMs      float64   `msgpack:"lat" yaml:"latency_ms"`
	JitterMs       float64   `msgpack:"jit" yaml:"jitter_ms"`
	ThroughputMbps float64   `msgpack:"thr" yaml:"throughput_mbps"`
	LossPct        float64   `msgpack:"loss" yaml:"loss_pct"`
	Score          int       `msgpack:"score" yaml:"score"`
	Timestamp      time.Time `msgpack:"ts" yaml:"timestamp"`
}

// Weights is the composite-score policy. The defaults are a tuning decision,
// not a physical law; callers may supply their own as long as they sum to 1.
type Weights struct {
	Latency    float64
	Throughput float64
	Jitter     float64
	Loss       float64
}

// DefaultWeights favors latency: anchors relay per-tick traffic, so round-trip
// time hurts more than raw capacity.
func DefaultWeights() Weights {
	return Weights{Latency: 0.35, Throughput: 0.30, Jitter: 0.20, Loss: 0.15}
}

// Score reduces a report to a single comparable integer in [0, 1000].
// Each sub-metric is normalized to [0, 1] before weighting.
func (w Weights) Score(r Report) int {
	latency := 1.0 - clamp01(r.LatencyMs/latencyCeilMs)
	throughput := clamp01(r.ThroughputMbps / throughputCeilMbps)
	jitter := 1.0 - clamp01(r.JitterMs/jitterCeilMs)
	loss := 1.0 - clamp01(r.LossPct/lossCeilPct)

	total := w.Latency*latency + w.Throughput*throughput + w.Jitter*jitter + w.Loss*loss
	score := int(math.Round(total * scoreScale))
	if score < 0 {
		score = 0
	}
	if score > scoreScale {
		score = scoreScale
	}
	return score
}

// Neutral is the substitute report for a peer whose quality test never
// arrived. It ranks below any healthy peer but above an unreachable one, so a
// straggler never blocks election.
func Neutral(peerID string) Report {
	r := Report{
		PeerID:         peerID,
		LatencyMs:      150,
		JitterMs:       25,
		ThroughputMbps: ThroughputFloorMbps,
		LossPct:        2.5,
		Timestamp:      time.Now().UTC(),
	}
	r.Score = DefaultWeights().Score(r)
	return r
}

// Unreachable is the worst-case report produced when every probe fails.
func Unreachable(peerID string) Report {
	r := Report{
		PeerID:         peerID,
		LatencyMs:      UnreachableLatencyMs,
		JitterMs:       jitterCeilMs,
		ThroughputMbps: ThroughputFloorMbps,
		LossPct:        100,
		Timestamp:      time.Now().UTC(),
	}
	r.Score = DefaultWeights().Score(r)
	return r
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
