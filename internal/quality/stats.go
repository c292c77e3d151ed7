package quality

import (
	"math"
	"sort"
)

// Summary is a basic aggregation over a set of reports, used for display.
type Summary struct {
	Count             int
	BestPeer          string
	BestScore         int
	MinLatencyMs      float64
	MaxLatencyMs      float64
	AvgLatencyMs      float64
	AvgJitterMs       float64
	AvgLossPct        float64
	AvgThroughputMbps float64
}

// Summarize computes summary stats across peer reports.
func Summarize(reports []Report) Summary {
	if len(reports) == 0 {
		return Summary{}
	}

	s := Summary{
		Count:        len(reports),
		MinLatencyMs: math.MaxFloat64,
		BestScore:    -1,
	}
	var sumLat, sumJit, sumLoss, sumThr float64
	for _, r := range reports {
		sumLat += r.LatencyMs
		sumJit += r.JitterMs
		sumLoss += r.LossPct
		sumThr += r.ThroughputMbps
		if r.LatencyMs < s.MinLatencyMs {
			s.MinLatencyMs = r.LatencyMs
		}
		if r.LatencyMs > s.MaxLatencyMs {
			s.MaxLatencyMs = r.LatencyMs
		}
		if r.Score > s.BestScore || (r.Score == s.BestScore && r.PeerID < s.BestPeer) {
			s.BestScore = r.Score
			s.BestPeer = r.PeerID
		}
	}

	count := float64(len(reports))
	s.AvgLatencyMs = sumLat / count
	s.AvgJitterMs = sumJit / count
	s.AvgLossPct = sumLoss / count
	s.AvgThroughputMbps = sumThr / count
	return s
}

// trimmedMean drops the single highest and lowest sample before averaging,
// to keep one congested round trip from skewing the whole measurement.
// With fewer than three samples nothing is trimmed.
func trimmedMean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	if len(sorted) >= 3 {
		sorted = sorted[1 : len(sorted)-1]
	}

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return sum / float64(len(sorted))
}

// stddev is the population standard deviation.
func stddev(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(len(samples))

	var sq float64
	for _, v := range samples {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(samples)))
}
