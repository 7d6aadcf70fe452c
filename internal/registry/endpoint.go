/*
Package registry holds the live set of upstream endpoints and their
mutable health/rate state, rebuilt on every config reload while
preserving state for retained URLs.
*/
package registry

import (
	"sync"
	"time"

	"github.com/scerb/rpc-relay/internal/config"
	"github.com/scerb/rpc-relay/internal/rateaccountant"
)

// Status is an endpoint's health classification.
type Status int32

const (
	StatusHealthy Status = iota
	StatusThrottled
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusThrottled:
		return "throttled"
	default:
		return "unhealthy"
	}
}

// Endpoint is one upstream URL's identity plus its mutable health and
// rate state. Retained across reloads by pointer so in-flight requests
// and the Monitor keep observing live mutations.
type Endpoint struct {
	URL string

	mu           sync.Mutex
	tier         config.Tier
	weight       int
	maxTPS       int
	maxTPM       int
	maxLatencyMS int

	status          Status
	draining        bool
	lastLatencyMS   float64
	ewmaLatencyMS   float64
	hasEWMA         bool
	lastBlockHeight uint64
	blocksBehind    int64
	consecutiveErrs int
	healthyProbes   int
	totalCalls      uint64

	Rate *rateaccountant.Window
}

func newEndpoint(spec config.EndpointSpec) *Endpoint {
	return &Endpoint{
		URL:          spec.URL,
		tier:         spec.Tier,
		weight:       spec.Weight,
		maxTPS:       spec.MaxTPS,
		maxTPM:       spec.MaxTPM,
		maxLatencyMS: spec.MaxLatencyMS,
		status:       StatusHealthy,
		Rate:         rateaccountant.New(spec.MaxTPS, spec.MaxTPM),
	}
}

// refreshSpec updates the config-only fields on a retained endpoint
// without touching health/rate state.
func (e *Endpoint) refreshSpec(spec config.EndpointSpec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tier = spec.Tier
	e.weight = spec.Weight
	e.maxTPS = spec.MaxTPS
	e.maxTPM = spec.MaxTPM
	e.maxLatencyMS = spec.MaxLatencyMS
}

func (e *Endpoint) Tier() config.Tier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tier
}

func (e *Endpoint) Weight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.weight
}

func (e *Endpoint) MaxLatencyMS() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxLatencyMS
}

func (e *Endpoint) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Endpoint) Draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

func (e *Endpoint) setDraining(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.draining = v
}

func (e *Endpoint) EWMALatencyMS() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ewmaLatencyMS
}

func (e *Endpoint) ConsecutiveErrors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveErrs
}

func (e *Endpoint) TotalCalls() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalCalls
}

func (e *Endpoint) BlocksBehind() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blocksBehind
}

// Stats is a point-in-time copy of one endpoint's observable state, the
// in-process read consumed by dashboards and the metrics refresher.
type Stats struct {
	URL               string
	Tier              config.Tier
	Status            Status
	Draining          bool
	LastLatencyMS     float64
	EWMALatencyMS     float64
	BlocksBehind      int64
	ConsecutiveErrors int
	TotalCalls        uint64
	ObservedTPS       int
	ObservedTPM       int
}

// Stats snapshots the endpoint's current state. The rate figures are
// read outside e.mu since the Window carries its own lock.
func (e *Endpoint) Stats(now time.Time) Stats {
	e.mu.Lock()
	s := Stats{
		URL:               e.URL,
		Tier:              e.tier,
		Status:            e.status,
		Draining:          e.draining,
		LastLatencyMS:     e.lastLatencyMS,
		EWMALatencyMS:     e.ewmaLatencyMS,
		BlocksBehind:      e.blocksBehind,
		ConsecutiveErrors: e.consecutiveErrs,
		TotalCalls:        e.totalCalls,
	}
	e.mu.Unlock()
	s.ObservedTPS = e.Rate.ObservedTPS(now)
	s.ObservedTPM = e.Rate.ObservedTPM(now)
	return s
}

// RecordProbe updates latency/EWMA/status from a health-monitor probe
// round. maxBlocksBehind of 0 means the check is skipped.
func (e *Endpoint) RecordProbe(elapsed time.Duration, blockHeight uint64, maxBlockHeight uint64, maxBlocksBehind int64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms := float64(elapsed.Microseconds()) / 1000.0
	e.lastLatencyMS = ms
	if !e.hasEWMA {
		e.ewmaLatencyMS = ms
		e.hasEWMA = true
	} else {
		e.ewmaLatencyMS = 0.3*ms + 0.7*e.ewmaLatencyMS
	}

	if err != nil {
		e.consecutiveErrs++
		e.healthyProbes = 0
	} else {
		e.consecutiveErrs = 0
		e.lastBlockHeight = blockHeight
		if maxBlockHeight > blockHeight {
			e.blocksBehind = int64(maxBlockHeight - blockHeight)
		} else {
			e.blocksBehind = 0
		}
		withinLatency := e.maxLatencyMS == 0 || e.ewmaLatencyMS <= float64(e.maxLatencyMS)
		if withinLatency {
			e.healthyProbes++
		} else {
			e.healthyProbes = 0
		}
	}

	e.applyTransition(maxBlocksBehind)
}

// applyTransition runs the probe-driven half of the status state
// machine. Must be called with mu held.
func (e *Endpoint) applyTransition(maxBlocksBehind int64) {
	unhealthyTrigger := e.consecutiveErrs >= 3 ||
		(maxBlocksBehind > 0 && e.blocksBehind > maxBlocksBehind) ||
		(e.maxLatencyMS > 0 && e.ewmaLatencyMS > float64(e.maxLatencyMS))

	switch e.status {
	case StatusHealthy, StatusThrottled:
		if unhealthyTrigger {
			e.status = StatusUnhealthy
		}
	case StatusUnhealthy:
		if e.healthyProbes >= 2 {
			e.status = StatusHealthy
			e.healthyProbes = 0
		}
	}
}

// SetThrottled applies the observed-TPS healthy<->throttled transition,
// independent of the probe-driven unhealthy transition.
func (e *Endpoint) SetThrottled(throttled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusUnhealthy {
		return
	}
	if throttled {
		e.status = StatusThrottled
	} else if e.status == StatusThrottled {
		e.status = StatusHealthy
	}
}

// MarkTransportFailure applies the dispatcher-side consecutive-error
// accounting for outbound call failures, distinct from probe-driven
// updates but sharing the same counter and transition.
func (e *Endpoint) MarkTransportFailure(maxBlocksBehind int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveErrs++
	e.healthyProbes = 0
	e.applyTransition(maxBlocksBehind)
}

// MarkCallSent increments the call counter, recorded on every dispatched
// outbound call regardless of outcome.
func (e *Endpoint) MarkCallSent() {
	e.mu.Lock()
	e.totalCalls++
	e.mu.Unlock()
}

// MaxTPS returns the endpoint's configured per-second cap.
func (e *Endpoint) MaxTPS() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxTPS
}

// RefreshThrottle marks the endpoint throttled while its observed TPS in
// the trailing 1s window sits at or above max_tps, and healthy again once
// it drops back below the cap. It never overrides an unhealthy status,
// matching Endpoint.SetThrottled.
func (e *Endpoint) RefreshThrottle(now time.Time) {
	observed := e.Rate.ObservedTPS(now)
	maxTPS := e.MaxTPS()
	e.SetThrottled(maxTPS > 0 && observed >= maxTPS)
}
