package quality

import (
	"math"
	"testing"
)

func TestTrimmedMean_DropsOutlier(t *testing.T) {
	t.Parallel()

	// One congested sample must not skew the result: trim max (500) and
	// min (48), average the rest.
	got := trimmedMean([]float64{50, 52, 48, 500, 51})
	want := (50.0 + 52.0 + 51.0) / 3.0
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("got=%.3f want=%.3f", got, want)
	}
}

func TestTrimmedMean_SmallSamples(t *testing.T) {
	t.Parallel()

	if got := trimmedMean(nil); got != 0 {
		t.Fatalf("empty=%v", got)
	}
	if got := trimmedMean([]float64{10}); got != 10 {
		t.Fatalf("single=%v", got)
	}
	if got := trimmedMean([]float64{10, 20}); got != 15 {
		t.Fatalf("pair=%v", got)
	}
}

func TestStddev(t *testing.T) {
	t.Parallel()

	if got := stddev([]float64{5}); got != 0 {
		t.Fatalf("single=%v", got)
	}
	got := stddev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if math.Abs(got-2.0) > 1e-9 {
		t.Fatalf("stddev=%v", got)
	}
}

func TestScore_MonotoneInEachMetric(t *testing.T) {
	t.Parallel()

	w := DefaultWeights()
	base := Report{LatencyMs: 40, JitterMs: 10, ThroughputMbps: 20, LossPct: 1}

	worseLatency := base
	worseLatency.LatencyMs = 120
	if w.Score(worseLatency) >= w.Score(base) {
		t.Fatalf("latency not penalized: %d >= %d", w.Score(worseLatency), w.Score(base))
	}

	worseJitter := base
	worseJitter.JitterMs = 40
	if w.Score(worseJitter) >= w.Score(base) {
		t.Fatalf("jitter not penalized")
	}

	worseLoss := base
	worseLoss.LossPct = 4
	if w.Score(worseLoss) >= w.Score(base) {
		t.Fatalf("loss not penalized")
	}

	moreThroughput := base
	moreThroughput.ThroughputMbps = 45
	if w.Score(moreThroughput) <= w.Score(base) {
		t.Fatalf("throughput not rewarded")
	}
}

func TestScore_Bounds(t *testing.T) {
	t.Parallel()

	w := DefaultWeights()
	best := Report{LatencyMs: 0, JitterMs: 0, ThroughputMbps: 50, LossPct: 0}
	if got := w.Score(best); got != 1000 {
		t.Fatalf("best=%d", got)
	}
	worst := Report{LatencyMs: 999, JitterMs: 90, ThroughputMbps: 0, LossPct: 100}
	if got := w.Score(worst); got != 0 {
		t.Fatalf("worst=%d", got)
	}
}

func TestScore_CeilingSaturates(t *testing.T) {
	t.Parallel()

	w := DefaultWeights()
	at := Report{LatencyMs: 200, JitterMs: 10, ThroughputMbps: 20, LossPct: 1}
	past := at
	past.LatencyMs = 400
	if w.Score(at) != w.Score(past) {
		t.Fatalf("latency past ceiling should saturate: %d != %d", w.Score(at), w.Score(past))
	}
}

func TestUnreachable_StillRankable(t *testing.T) {
	t.Parallel()

	u := Unreachable("p1")
	if u.LatencyMs != UnreachableLatencyMs || u.LossPct != 100 {
		t.Fatalf("sentinel=%+v", u)
	}
	n := Neutral("p2")
	if n.Score <= u.Score {
		t.Fatalf("neutral (%d) must outrank unreachable (%d)", n.Score, u.Score)
	}
	healthy := Report{PeerID: "p3", LatencyMs: 30, JitterMs: 5, ThroughputMbps: 40, LossPct: 0}
	healthy.Score = DefaultWeights().Score(healthy)
	if healthy.Score <= n.Score {
		t.Fatalf("healthy (%d) must outrank neutral (%d)", healthy.Score, n.Score)
	}
}

func TestClampThroughput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   float64
		want float64
	}{
		{0, 5},
		{3, 5},
		{25, 25},
		{50, 50},
		{900, 50},
	}
	for _, tc := range cases {
		if got := clampThroughput(tc.in); got != tc.want {
			t.Fatalf("clamp(%v)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestSyntheticThroughput_InBand(t *testing.T) {
	t.Parallel()

	got := syntheticThroughput()
	if got < ThroughputFloorMbps || got > throughputCeilMbps {
		t.Fatalf("synthetic estimate out of band: %v", got)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	reports := []Report{
		{PeerID: "a", LatencyMs: 10, JitterMs: 2, LossPct: 0, ThroughputMbps: 40, Score: 900},
		{PeerID: "b", LatencyMs: 30, JitterMs: 4, LossPct: 2, ThroughputMbps: 20, Score: 500},
	}
	s := Summarize(reports)
	if s.Count != 2 || s.BestPeer != "a" || s.BestScore != 900 {
		t.Fatalf("summary=%+v", s)
	}
	if s.MinLatencyMs != 10 || s.MaxLatencyMs != 30 || s.AvgLatencyMs != 20 {
		t.Fatalf("latency agg=%+v", s)
	}

	if got := Summarize(nil); got.Count != 0 {
		t.Fatalf("empty=%+v", got)
	}
}
