/*
Package healthmon implements the background health probe loop: each
tick, every non-draining endpoint is probed with a JSON-RPC
eth_blockNumber call, feeding the latency EWMA, blocks-behind lag, and
the healthy/throttled/unhealthy state machine owned by
internal/registry.Endpoint. Start/Stop are context-scoped and
UpdateConfig swaps parameters under a restart; each tick fans out one
probe goroutine per endpoint, joined by a WaitGroup.
*/
package healthmon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/scerb/rpc-relay/internal/config"
	"github.com/scerb/rpc-relay/internal/jsonrpc"
	"github.com/scerb/rpc-relay/internal/registry"
)

const probeTimeout = 3 * time.Second

// Monitor runs periodic health probes against every live endpoint.
type Monitor struct {
	mu  sync.Mutex
	reg *registry.Registry

	interval        time.Duration
	maxBlocksBehind int64

	activeCtx    context.Context
	activeCancel context.CancelFunc
	wg           sync.WaitGroup

	client *http.Client
}

func New(reg *registry.Registry, snap *config.Snapshot) *Monitor {
	return &Monitor{
		reg:             reg,
		interval:        snap.MonitorInterval,
		maxBlocksBehind: snap.MaxBlocksBehind,
		client: &http.Client{
			Timeout:   probeTimeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
}

// UpdateConfig stops the current tick loop (if running) and swaps the
// interval/tolerance for the next Start.
func (m *Monitor) UpdateConfig(snap *config.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Info("healthmon: config updated",
		slog.Duration("interval", snap.MonitorInterval),
		slog.Int64("max_blocks_behind", snap.MaxBlocksBehind))

	if m.activeCancel != nil {
		m.activeCancel()
		m.activeCancel = nil
	}
	m.interval = snap.MonitorInterval
	m.maxBlocksBehind = snap.MaxBlocksBehind
}

// Start begins the probe loop under parentCtx. A no-op if already
// running.
func (m *Monitor) Start(parentCtx context.Context) {
	m.mu.Lock()
	if m.activeCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parentCtx)
	m.activeCtx = ctx
	m.activeCancel = cancel
	interval := m.interval
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runRound(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.runRound(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.activeCancel == nil {
		m.mu.Unlock()
		return
	}
	m.activeCancel()
	m.activeCancel = nil
	m.mu.Unlock()
	m.wg.Wait()
}

type probeResult struct {
	endpoint *registry.Endpoint
	elapsed  time.Duration
	height   uint64
	err      error
}

// runRound probes every non-draining, rate-available endpoint
// concurrently, then applies results once the max observed block height
// across the round is known.
func (m *Monitor) runRound(ctx context.Context) {
	table := m.reg.Current()
	endpoints := table.Ordered()
	if len(endpoints) == 0 {
		return
	}

	results := make([]probeResult, 0, len(endpoints))
	var mu sync.Mutex
	var wg sync.WaitGroup

	now := time.Now()
	for _, ep := range endpoints {
		if ep.Draining() {
			continue
		}
		// Observed-TPS throttle transition is independent of whether a
		// probe runs this tick.
		ep.RefreshThrottle(now)
		if !ep.Rate.CanSend(time.Now()) {
			// endpoint is at its TPS cap; it's obviously live, skip the
			// probe this tick.
			continue
		}
		wg.Add(1)
		go func(ep *registry.Endpoint) {
			defer wg.Done()
			started := time.Now()
			height, err := m.probe(ctx, ep)
			elapsed := time.Since(started)
			ep.Rate.Record(started)

			mu.Lock()
			results = append(results, probeResult{endpoint: ep, elapsed: elapsed, height: height, err: err})
			mu.Unlock()
		}(ep)
	}
	wg.Wait()

	var maxHeight uint64
	for _, r := range results {
		if r.err == nil && r.height > maxHeight {
			maxHeight = r.height
		}
	}

	tolerance := m.currentTolerance()
	for _, r := range results {
		r.endpoint.RecordProbe(r.elapsed, r.height, maxHeight, tolerance, r.err)
		if r.err != nil {
			slog.Warn("healthmon: probe failed", slog.String("url", r.endpoint.URL), slog.String("error", r.err.Error()))
		}
	}
}

// probe issues a single eth_blockNumber call against ep and returns the
// decoded block height.
func (m *Monitor) probe(ctx context.Context, ep *registry.Endpoint) (uint64, error) {
	reqBody, _ := json.Marshal(jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      json.RawMessage(`1`),
		Method:  "eth_blockNumber",
		Params:  json.RawMessage(`[]`),
	})

	httpCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(httpCtx, http.MethodPost, ep.URL, newReader(reqBody))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return 0, errStatus(resp.StatusCode)
	}

	var rpcResp jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return 0, err
	}
	if rpcResp.Error != nil {
		return 0, rpcResp.Error
	}

	return decodeHexQuantity(rpcResp.Result)
}

func (m *Monitor) currentTolerance() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxBlocksBehind
}

type errStatus int

func (e errStatus) Error() string {
	return "probe returned status " + http.StatusText(int(e))
}
