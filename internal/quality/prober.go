package quality

import (
	"context"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultSamples is the number of round-trip probes in the latency
	// measurement. Min and max are trimmed, so 5 samples average 3.
	DefaultSamples = 5

	// DefaultJitterInterval spaces the jitter probes across the budget.
	DefaultJitterInterval = 500 * time.Millisecond

	// syntheticReference is the workload duration that maps to the top of
	// the plausible throughput band.
	syntheticReference = 50 * time.Millisecond
)

// Prober measures the local node's network quality against stable external
// endpoints and reduces it to a single Report.
type Prober struct {
	PeerID  string
	Servers []string
	Weights Weights
	Samples int

	// JitterInterval is the spacing between jitter probes.
	JitterInterval time.Duration

	// ThroughputHint, when set, supplies a platform estimate in Mbps. The
	// synthetic fallback runs when it is nil or reports false.
	ThroughputHint func() (float64, bool)

	Log *logrus.Entry
}

// NewProber creates a prober with default sampling policy.
func NewProber(peerID string, servers []string) *Prober {
	return &Prober{
		PeerID:         peerID,
		Servers:        servers,
		Weights:        DefaultWeights(),
		Samples:        DefaultSamples,
		JitterInterval: DefaultJitterInterval,
		Log:            logrus.WithField("component", "quality"),
	}
}

// Run executes the three measurements concurrently and joins them at the
// budget deadline. A node that cannot reach any probe endpoint still gets a
// rankable worst-case report instead of an error.
func (p *Prober) Run(ctx context.Context, budget time.Duration) (Report, error) {
	if len(p.Servers) == 0 {
		return Report{}, fmt.Errorf("quality: no probe servers configured")
	}
	if p.Samples <= 0 {
		p.Samples = DefaultSamples
	}
	if p.JitterInterval <= 0 {
		p.JitterInterval = DefaultJitterInterval
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var (
		wg         sync.WaitGroup
		latencyMs  float64
		lossPct    float64
		allFailed  bool
		jitterMs   float64
		throughput float64
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		latencyMs, lossPct, allFailed = p.measureLatency(ctx)
	}()
	go func() {
		defer wg.Done()
		jitterMs = p.measureJitter(ctx)
	}()
	go func() {
		defer wg.Done()
		throughput = p.measureThroughput()
	}()
	wg.Wait()

	if allFailed {
		p.Log.Warn("all latency probes failed, reporting worst case")
		return Unreachable(p.PeerID), nil
	}

	r := Report{
		PeerID:         p.PeerID,
		LatencyMs:      latencyMs,
		JitterMs:       jitterMs,
		ThroughputMbps: throughput,
		LossPct:        lossPct,
		Timestamp:      time.Now().UTC(),
	}
	r.Score = p.Weights.Score(r)
	p.Log.WithFields(logrus.Fields{
		"latency_ms":      r.LatencyMs,
		"jitter_ms":       r.JitterMs,
		"throughput_mbps": r.ThroughputMbps,
		"loss_pct":        r.LossPct,
		"score":           r.Score,
	}).Info("quality test complete")
	return r, nil
}

// measureLatency issues a fixed number of round-trip probes and returns the
// trimmed mean plus the failure share as loss.
func (p *Prober) measureLatency(ctx context.Context) (avgMs, lossPct float64, allFailed bool) {
	perProbe := perProbeTimeout(ctx, p.Samples)
	samples := make([]float64, 0, p.Samples)
	failures := 0

	for i := 0; i < p.Samples; i++ {
		if ctx.Err() != nil {
			failures += p.Samples - i
			break
		}
		server := p.Servers[i%len(p.Servers)]
		rtt, err := probeRTT(ctx, server, perProbe)
		if err != nil {
			failures++
			continue
		}
		samples = append(samples, float64(rtt.Microseconds())/1000.0)
	}

	if len(samples) == 0 {
		return 0, 100, true
	}
	lossPct = 100 * float64(failures) / float64(p.Samples)
	return trimmedMean(samples), lossPct, false
}

// measureJitter probes the first endpoint at a fixed interval for the whole
// budget and reports the standard deviation of the observed round trips.
func (p *Prober) measureJitter(ctx context.Context) float64 {
	ticker := time.NewTicker(p.JitterInterval)
	defer ticker.Stop()

	server := p.Servers[0]
	samples := make([]float64, 0, 16)
	for {
		select {
		case <-ctx.Done():
			return stddev(samples)
		case <-ticker.C:
			rtt, err := probeRTT(ctx, server, p.JitterInterval)
			if err != nil {
				continue
			}
			samples = append(samples, float64(rtt.Microseconds())/1000.0)
		}
	}
}

func (p *Prober) measureThroughput() float64 {
	if p.ThroughputHint != nil {
		if mbps, ok := p.ThroughputHint(); ok {
			return clampThroughput(mbps)
		}
	}
	return syntheticThroughput()
}

// syntheticThroughput times a fixed in-memory workload and maps its duration
// inversely into the plausible band. A rough proxy, only used when no
// platform hint exists.
func syntheticThroughput() float64 {
	buf := make([]byte, 256*1024)
	for i := range buf {
		buf[i] = byte(i)
	}

	start := time.Now()
	var sink uint32
	for i := 0; i < 64; i++ {
		sink ^= crc32.ChecksumIEEE(buf)
	}
	elapsed := time.Since(start)
	_ = sink

	if elapsed <= 0 {
		return throughputCeilMbps
	}
	est := throughputCeilMbps * syntheticReference.Seconds() / elapsed.Seconds()
	return clampThroughput(est)
}

func clampThroughput(mbps float64) float64 {
	if mbps < ThroughputFloorMbps {
		return ThroughputFloorMbps
	}
	if mbps > throughputCeilMbps {
		return throughputCeilMbps
	}
	return mbps
}

func perProbeTimeout(ctx context.Context, samples int) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok || samples <= 0 {
		return 2 * time.Second
	}
	per := time.Until(deadline) / time.Duration(samples+1)
	if per < 100*time.Millisecond {
		per = 100 * time.Millisecond
	}
	return per
}

// probeRTT measures one binding-request round trip against a STUN server.
func probeRTT(ctx context.Context, server string, timeout time.Duration) (time.Duration, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return 0, fmt.Errorf("empty probe server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return 0, err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return 0, err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	done := make(chan error, 1)
	start := time.Now()

	go func() {
		var cbErr error
		err := client.Do(msg, func(res stun.Event) {
			cbErr = res.Error
		})
		if err == nil {
			err = cbErr
		}
		done <- err
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case err := <-done:
		if err != nil {
			return 0, err
		}
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
