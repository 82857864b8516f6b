package adaptive

import (
	"fmt"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/ngaut/log"

	"github.com/unitxn/unitxn/kv/config"
)

// WorkloadSample is one observation of what the workload looks like,
// recorded by the manager's sampling loop.
type WorkloadSample struct {
	// ReadRatio is the fraction of operations that were reads, in [0, 1].
	ReadRatio float64
	// ConflictRate is the fraction of commits that failed validation.
	ConflictRate float64
	// HotspotFactor measures key-access skew, in [0, 1].
	HotspotFactor float64
	// ConcurrencyLevel is the number of concurrently active transactions.
	ConcurrencyLevel int
	// MeanDurationMs is the mean transaction duration over the interval.
	MeanDurationMs float64
	// Timestamp is when the sample was taken; stamped on record if zero.
	Timestamp time.Time
}

// PerformanceSample is one observation of how an algorithm performed.
type PerformanceSample struct {
	Throughput   float64 // committed transactions per second
	LatencyMs    float64 // mean commit latency
	AbortRate    float64 // aborts / (commits + aborts), in [0, 1]
	DeadlockRate float64 // deadlock aborts / (commits + aborts), in [0, 1]
	// ResourceOverhead is the fraction of transaction capacity in use, in
	// [0, 1]. Recorded for auditing; scoring weights only the four rates.
	ResourceOverhead float64
}

// Decision is the controller's recommendation. Reasoning carries
// human-readable lines explaining the score so a decision can be audited
// from the logs.
type Decision struct {
	Recommended         config.ConcurrencyControl
	Confidence          float64
	ExpectedImprovement float64
	Reasoning           []string
}

// Score weights. Throughput dominates; deadlocks are rare enough that their
// rate carries the least weight.
const (
	weightThroughput = 0.4
	weightLatency    = 0.3
	weightAborts     = 0.2
	weightDeadlocks  = 0.1
)

// Workload modifier thresholds.
const (
	readHeavyRatio      = 0.8
	lowConflictRate     = 0.1
	hotspotThreshold    = 0.7
	highConcurrency     = 100
	workloadModifier    = 0.1
	hotspotPenalty      = 0.1
	concurrencyModifier = 0.05
)

// Controller scores concurrency-control algorithms against rolling windows
// of performance and workload samples and recommends switches. It is a
// deterministic heuristic scorer; identical windows always produce the same
// decision. Reads (scoring) vastly outnumber writes (sample insertion), so
// state is guarded by a reader-writer lock.
type Controller struct {
	mu sync.RWMutex

	active     config.ConcurrencyControl
	windowSize int
	minSamples int
	threshold  float64

	perf     map[config.ConcurrencyControl][]PerformanceSample
	workload []WorkloadSample

	switches uint64
}

func NewController(cfg *config.Config) *Controller {
	c := &Controller{
		active:     cfg.DefaultConcurrencyControl,
		windowSize: cfg.PerformanceWindowSize,
		minSamples: cfg.MinSamplesForAdaptation,
		threshold:  cfg.AlgorithmSwitchThreshold,
		perf:       make(map[config.ConcurrencyControl][]PerformanceSample),
	}
	if c.windowSize <= 0 {
		c.windowSize = 128
	}
	return c
}

// ActiveAlgorithm returns the algorithm new transactions should run under.
func (c *Controller) ActiveAlgorithm() config.ConcurrencyControl {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// RecordWorkload appends a workload sample, evicting the oldest once the
// window is full.
func (c *Controller) RecordWorkload(sample WorkloadSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workload = append(c.workload, sample)
	if len(c.workload) > c.windowSize {
		c.workload = c.workload[1:]
	}
}

// RecordPerformance appends a performance sample for one algorithm.
func (c *Controller) RecordPerformance(algo config.ConcurrencyControl, sample PerformanceSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	window := append(c.perf[algo], sample)
	if len(window) > c.windowSize {
		window = window[1:]
	}
	c.perf[algo] = window
}

// algoProfile is one algorithm's window reduced to its means.
type algoProfile struct {
	algo         config.ConcurrencyControl
	samples      int
	throughput   float64
	latencyMs    float64
	abortRate    float64
	deadlockRate float64
	score        float64
}

// MakeDecision scores every algorithm with enough samples and recommends
// the best. With too few samples it recommends staying put with zero
// confidence.
func (c *Controller) MakeDecision() Decision {
	c.mu.RLock()
	defer c.mu.RUnlock()

	profiles := c.profilesLocked()
	if len(profiles) == 0 {
		return Decision{
			Recommended: c.active,
			Reasoning:   []string{"insufficient performance samples, keeping current algorithm"},
		}
	}

	reasoning := c.scoreLocked(profiles)

	best := profiles[0]
	var second *algoProfile
	for _, p := range profiles[1:] {
		if p.score > best.score || (p.score == best.score && p.algo < best.algo) {
			second = best
			best = p
		} else if second == nil || p.score > second.score {
			second = p
		}
	}

	var activeScore float64
	for _, p := range profiles {
		if p.algo == c.active {
			activeScore = p.score
		}
	}

	improvement := 0.0
	if best.algo != c.active && activeScore > 0 {
		improvement = (best.score - activeScore) / activeScore
	}

	confidence := c.confidence(best, second)
	reasoning = append(reasoning, fmt.Sprintf("recommending %v (score %.3f, improvement %.1f%% over active %v)",
		best.algo, best.score, improvement*100, c.active))

	return Decision{
		Recommended:         best.algo,
		Confidence:          confidence,
		ExpectedImprovement: improvement,
		Reasoning:           reasoning,
	}
}

func (c *Controller) profilesLocked() []*algoProfile {
	var profiles []*algoProfile
	for _, algo := range config.Algorithms {
		window := c.perf[algo]
		if len(window) < c.minSamples {
			continue
		}
		p := &algoProfile{algo: algo, samples: len(window)}
		var thr, lat, ab, dl []float64
		for _, s := range window {
			thr = append(thr, s.Throughput)
			lat = append(lat, s.LatencyMs)
			ab = append(ab, s.AbortRate)
			dl = append(dl, s.DeadlockRate)
		}
		p.throughput, _ = stats.Mean(thr)
		p.latencyMs, _ = stats.Mean(lat)
		p.abortRate, _ = stats.Mean(ab)
		p.deadlockRate, _ = stats.Mean(dl)
		profiles = append(profiles, p)
	}
	return profiles
}

// scoreLocked computes a normalized weighted score per profile and applies
// workload modifiers. Returns the reasoning lines.
func (c *Controller) scoreLocked(profiles []*algoProfile) []string {
	var maxThroughput, maxLatency float64
	for _, p := range profiles {
		if p.throughput > maxThroughput {
			maxThroughput = p.throughput
		}
		if p.latencyMs > maxLatency {
			maxLatency = p.latencyMs
		}
	}

	var reasoning []string
	for _, p := range profiles {
		throughputScore := 0.0
		if maxThroughput > 0 {
			throughputScore = p.throughput / maxThroughput
		}
		latencyScore := 1.0
		if maxLatency > 0 {
			latencyScore = 1 - p.latencyMs/maxLatency
		}
		p.score = weightThroughput*throughputScore +
			weightLatency*latencyScore +
			weightAborts*(1-clamp01(p.abortRate)) +
			weightDeadlocks*(1-clamp01(p.deadlockRate))
		reasoning = append(reasoning, fmt.Sprintf(
			"%v: %d samples, throughput %.1f/s, latency %.2fms, aborts %.1f%%, deadlocks %.1f%%, base score %.3f",
			p.algo, p.samples, p.throughput, p.latencyMs, p.abortRate*100, p.deadlockRate*100, p.score))
	}

	w, ok := c.workloadMeansLocked()
	if !ok {
		return reasoning
	}

	for _, p := range profiles {
		if w.ReadRatio > readHeavyRatio && p.algo == config.MVCC {
			p.score += workloadModifier
			reasoning = append(reasoning, fmt.Sprintf(
				"read-heavy workload (%.0f%% reads) favors mvcc", w.ReadRatio*100))
		}
		if w.ConflictRate < lowConflictRate &&
			(p.algo == config.OptimisticConcurrencyControl || p.algo == config.TwoPhaseLocking) {
			p.score += workloadModifier
			reasoning = append(reasoning, fmt.Sprintf(
				"low conflict rate (%.1f%%) favors %v", w.ConflictRate*100, p.algo))
		}
		if w.HotspotFactor > hotspotThreshold && p.algo == config.TimestampOrdering {
			p.score -= hotspotPenalty
			reasoning = append(reasoning, fmt.Sprintf(
				"hotspot factor %.2f penalizes timestamp ordering", w.HotspotFactor))
		}
		if w.ConcurrencyLevel > highConcurrency {
			switch p.algo {
			case config.MVCC:
				p.score += concurrencyModifier
			case config.TwoPhaseLocking:
				p.score -= concurrencyModifier
			}
		}
	}
	return reasoning
}

type workloadMeans struct {
	ReadRatio        float64
	ConflictRate     float64
	HotspotFactor    float64
	ConcurrencyLevel int
}

func (c *Controller) workloadMeansLocked() (workloadMeans, bool) {
	if len(c.workload) == 0 {
		return workloadMeans{}, false
	}
	var rr, cr, hf, cl []float64
	for _, s := range c.workload {
		rr = append(rr, s.ReadRatio)
		cr = append(cr, s.ConflictRate)
		hf = append(hf, s.HotspotFactor)
		cl = append(cl, float64(s.ConcurrencyLevel))
	}
	var out workloadMeans
	out.ReadRatio, _ = stats.Mean(rr)
	out.ConflictRate, _ = stats.Mean(cr)
	out.HotspotFactor, _ = stats.Mean(hf)
	meanCl, _ := stats.Mean(cl)
	out.ConcurrencyLevel = int(meanCl)
	return out, true
}

// confidence grows with sample count and with the score gap between the
// best and second-best algorithm.
func (c *Controller) confidence(best *algoProfile, second *algoProfile) float64 {
	countFactor := float64(best.samples) / float64(2*c.minSamples)
	if countFactor > 1 {
		countFactor = 1
	}
	gapFactor := 1.0
	if second != nil && best.score > 0 {
		gapFactor = clamp01((best.score - second.score) / best.score * 5)
	}
	return 0.5*countFactor + 0.5*gapFactor
}

// ApplyDecision switches the active algorithm if the decision recommends a
// different one and its expected improvement clears the switch threshold.
// Returns whether a switch occurred. A switch affects only transactions
// begun afterwards.
func (c *Controller) ApplyDecision(d Decision) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.Recommended == c.active {
		return false
	}
	if d.ExpectedImprovement <= c.threshold {
		log.Debugf("not switching %v -> %v: improvement %.1f%% under threshold %.1f%%",
			c.active, d.Recommended, d.ExpectedImprovement*100, c.threshold*100)
		return false
	}
	log.Infof("switching concurrency control %v -> %v (improvement %.1f%%, confidence %.2f)",
		c.active, d.Recommended, d.ExpectedImprovement*100, d.Confidence)
	c.active = d.Recommended
	c.switches++
	return true
}

// Switches reports how many algorithm switches have been applied.
func (c *Controller) Switches() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.switches
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
