// Package tests exercises the relay's core pipeline end to end against
// in-process JSON-RPC stand-in upstreams: cache freshness, single-flight
// coalescing, rate waiting, nonce pre-check, failover past an unhealthy
// endpoint, and hot config reload.
package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/scerb/rpc-relay/internal/apperror"
	"github.com/scerb/rpc-relay/internal/balancer"
	"github.com/scerb/rpc-relay/internal/cache"
	"github.com/scerb/rpc-relay/internal/config"
	"github.com/scerb/rpc-relay/internal/dispatcher"
	"github.com/scerb/rpc-relay/internal/jsonrpc"
	"github.com/scerb/rpc-relay/internal/metrics"
	"github.com/scerb/rpc-relay/internal/registry"
	"github.com/scerb/rpc-relay/internal/relayhttp"
)

// mockUpstream is a minimal JSON-RPC node: it counts calls per method and
// lets the test script per-method canned results and response latency.
type mockUpstream struct {
	mu      sync.Mutex
	calls   map[string]int
	params  map[string]json.RawMessage
	results map[string]json.RawMessage
	delay   time.Duration
}

func newMockUpstream() *mockUpstream {
	return &mockUpstream{
		calls:   make(map[string]int),
		params:  make(map[string]json.RawMessage),
		results: make(map[string]json.RawMessage),
	}
}

func (m *mockUpstream) lastParams(method string) json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params[method]
}

func (m *mockUpstream) setResult(method string, v interface{}) {
	b, _ := json.Marshal(v)
	m.mu.Lock()
	m.results[method] = b
	m.mu.Unlock()
}

func (m *mockUpstream) callCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *mockUpstream) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpc.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		m.mu.Lock()
		m.calls[req.Method]++
		m.params[req.Method] = req.Params
		result := m.results[req.Method]
		m.mu.Unlock()

		if m.delay > 0 {
			time.Sleep(m.delay)
		}
		if result == nil {
			result, _ = json.Marshal("0x1")
		}
		json.NewEncoder(w).Encode(jsonrpc.NewResult(req.ID, result))
	}))
}

// buildRelay wires the core pipeline (no HTTP listener) against the given
// upstream URLs, the same sequence as cmd/relay/main.go.
func buildRelay(t *testing.T, cfgPath string) (*dispatcher.Dispatcher, *config.Store, *registry.Registry, *balancer.Balancer) {
	t.Helper()
	store, err := config.NewStore(cfgPath)
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	snap := store.Current()
	reg := registry.New(snap)
	bal := balancer.New(reg, snap)
	ttlCache := cache.New()
	collectors := metrics.New()
	outbound := relayhttp.NewClient(snap.MaxIdleConns, 16)
	disp := dispatcher.New(store, reg, bal, ttlCache, outbound, collectors)
	return disp, store, reg, bal
}

func configYAML(urls []string, cacheTTLSeconds int) string {
	endpoints := ""
	for _, u := range urls {
		endpoints += fmt.Sprintf("    - url: %q\n      max_tps: 50\n      max_tpm: 1000\n      weight: 1\n", u)
	}
	return fmt.Sprintf(`
cache_ttl:
  eth_blockNumber: %d
rpc_endpoints:
  primary:
%s
health_monitor:
  max_blocks_behind: 6
relay:
  host: "127.0.0.1"
  port: "0"
  monitor_interval: 5
  outbound_timeout_s: 5
  select_timeout_s: 2
  max_idle_conns: 50
rate_limit:
  enabled: false
  default_capacity: 1000
  default_rate_per_second: 1000
log_level: "error"
`, cacheTTLSeconds, endpoints)
}

func writeConfig(t *testing.T, urls []string, cacheTTLSeconds int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(configYAML(urls, cacheTTLSeconds)), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func req(method string, params json.RawMessage, id int) jsonrpc.Request {
	idb, _ := json.Marshal(id)
	return jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: idb, Method: method, Params: params}
}

func TestDispatch_CacheHitServesWithoutSecondOutboundCall(t *testing.T) {
	up := newMockUpstream()
	srv := up.server()
	defer srv.Close()

	cfgPath := writeConfig(t, []string{srv.URL}, 10)
	disp, _, _, _ := buildRelay(t, cfgPath)

	ctx := context.Background()
	r := req("eth_blockNumber", json.RawMessage(`[]`), 1)

	resp1 := disp.Dispatch(ctx, r)
	if resp1.Error != nil {
		t.Fatalf("unexpected error: %+v", resp1.Error)
	}
	resp2 := disp.Dispatch(ctx, r)
	if resp2.Error != nil {
		t.Fatalf("unexpected error: %+v", resp2.Error)
	}

	if got := up.callCount("eth_blockNumber"); got != 1 {
		t.Fatalf("expected exactly one outbound call, upstream saw %d", got)
	}
	if string(resp1.Result) != string(resp2.Result) {
		t.Fatalf("cached response mismatch: %s vs %s", resp1.Result, resp2.Result)
	}
}

func TestDispatch_SingleFlightCoalescesConcurrentMisses(t *testing.T) {
	up := newMockUpstream()
	up.delay = 150 * time.Millisecond
	srv := up.server()
	defer srv.Close()

	cfgPath := writeConfig(t, []string{srv.URL}, 10)
	disp, _, _, _ := buildRelay(t, cfgPath)

	ctx := context.Background()
	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			r := req("eth_blockNumber", json.RawMessage(`[]`), 1)
			resp := disp.Dispatch(ctx, r)
			if resp.Error != nil {
				t.Errorf("unexpected error: %+v", resp.Error)
			}
		}()
	}
	wg.Wait()

	if got := up.callCount("eth_blockNumber"); got != 1 {
		t.Fatalf("expected single-flight to coalesce to one outbound call, upstream saw %d", got)
	}
}

func TestDispatch_ResponseIDMirrorsRequestID(t *testing.T) {
	up := newMockUpstream()
	srv := up.server()
	defer srv.Close()

	cfgPath := writeConfig(t, []string{srv.URL}, 10)
	disp, _, _, _ := buildRelay(t, cfgPath)

	r := req("eth_call", json.RawMessage(`["0xabc", "latest"]`), 42)
	resp := disp.Dispatch(context.Background(), r)

	var gotID int
	if err := json.Unmarshal(resp.ID, &gotID); err != nil {
		t.Fatalf("response id not a number: %s", resp.ID)
	}
	if gotID != 42 {
		t.Fatalf("response id = %d, want 42", gotID)
	}
}

func TestDispatch_NoncePreCheckOverridesStaleNonce(t *testing.T) {
	up := newMockUpstream()
	up.setResult("eth_getTransactionCount", "0x9")
	srv := up.server()
	defer srv.Close()

	cfgPath := writeConfig(t, []string{srv.URL}, 10)
	disp, _, _, _ := buildRelay(t, cfgPath)

	params, _ := json.Marshal([]map[string]string{{
		"from":  "0xfeedface",
		"nonce": "0x1",
	}})
	r := req("eth_sendTransaction", params, 1)

	resp := disp.Dispatch(context.Background(), r)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	if got := up.callCount("eth_getTransactionCount"); got != 1 {
		t.Fatalf("expected exactly one nonce pre-check call, got %d", got)
	}
	if got := up.callCount("eth_sendTransaction"); got != 1 {
		t.Fatalf("expected exactly one send call, got %d", got)
	}
	if _, nonce, ok := jsonrpc.TransactionFromAddrAndNonce(up.lastParams("eth_sendTransaction")); !ok || nonce != "0x9" {
		t.Fatalf("expected the forwarded transaction to carry the pre-checked nonce 0x9, got %q", nonce)
	}
}

func TestDispatch_FailsOverPastUnhealthyEndpoint(t *testing.T) {
	bad := newMockUpstream()
	badSrv := bad.server()
	defer badSrv.Close()

	good := newMockUpstream()
	goodSrv := good.server()
	defer goodSrv.Close()

	cfgPath := writeConfig(t, []string{badSrv.URL, goodSrv.URL}, 10)
	disp, _, reg, _ := buildRelay(t, cfgPath)

	table := reg.Current()
	badEp, ok := table.ByURL(badSrv.URL)
	if !ok {
		t.Fatalf("endpoint %s not found in registry", badSrv.URL)
	}
	for i := 0; i < 3; i++ {
		badEp.MarkTransportFailure(0)
	}
	if badEp.Status() != registry.StatusUnhealthy {
		t.Fatalf("expected endpoint to be unhealthy after 3 consecutive errors, got %s", badEp.Status())
	}

	for i := 0; i < 5; i++ {
		r := req("eth_blockNumber", json.RawMessage(`[]`), i)
		resp := disp.Dispatch(context.Background(), r)
		if resp.Error != nil {
			t.Fatalf("unexpected error: %+v", resp.Error)
		}
	}

	if got := bad.callCount("eth_blockNumber"); got != 0 {
		t.Fatalf("unhealthy endpoint should never receive traffic, saw %d calls", got)
	}
	if got := good.callCount("eth_blockNumber"); got == 0 {
		t.Fatalf("healthy endpoint should have received all traffic")
	}
}

func TestDispatch_UpstreamTransportFailureSurfacesAsJSONRPCError(t *testing.T) {
	bad := newMockUpstream()
	badSrv := bad.server()
	badSrv.Close() // closed immediately: every call is a transport failure

	cfgPath := writeConfig(t, []string{badSrv.URL}, 10)
	disp, _, _, _ := buildRelay(t, cfgPath)

	r := req("eth_blockNumber", json.RawMessage(`[]`), 1)
	resp := disp.Dispatch(context.Background(), r)

	if resp.Error == nil {
		t.Fatalf("expected a JSON-RPC error, got result %s", resp.Result)
	}
	if resp.Error.Code != apperror.ErrUpstreamTransport.JSONRPCCode {
		t.Fatalf("error code = %d, want %d", resp.Error.Code, apperror.ErrUpstreamTransport.JSONRPCCode)
	}
}

func TestDispatch_RateWaitDelaysCallPastSaturatedWindow(t *testing.T) {
	up := newMockUpstream()
	srv := up.server()
	defer srv.Close()

	cfg := fmt.Sprintf(`
rpc_endpoints:
  primary:
    - url: %q
      max_tps: 2
      weight: 1
relay:
  host: "127.0.0.1"
  port: "0"
  monitor_interval: 5
  outbound_timeout_s: 5
  select_timeout_s: 3
log_level: "error"
`, srv.URL)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	disp, _, _, _ := buildRelay(t, path)

	ctx := context.Background()
	params := json.RawMessage(`["0xabc","latest"]`)

	start := time.Now()
	for i := 0; i < 2; i++ {
		resp := disp.Dispatch(ctx, req("eth_call", params, i))
		if resp.Error != nil {
			t.Fatalf("call %d: unexpected error: %+v", i, resp.Error)
		}
	}

	// The window is now saturated; the third call must wait for the 1s
	// window to roll past the first send before dispatching.
	resp := disp.Dispatch(ctx, req("eth_call", params, 3))
	if resp.Error != nil {
		t.Fatalf("delayed call: unexpected error: %+v", resp.Error)
	}
	elapsed := time.Since(start)

	if got := up.callCount("eth_call"); got != 3 {
		t.Fatalf("expected all 3 calls to reach the upstream, saw %d", got)
	}
	if elapsed < 900*time.Millisecond {
		t.Fatalf("third call dispatched after %v, expected it to wait out the 1s window", elapsed)
	}
}

func TestConfigReload_AddsNewEndpointToRegistry(t *testing.T) {
	first := newMockUpstream()
	firstSrv := first.server()
	defer firstSrv.Close()

	cfgPath := writeConfig(t, []string{firstSrv.URL}, 10)
	_, store, reg, bal := buildRelay(t, cfgPath)

	second := newMockUpstream()
	secondSrv := second.server()
	defer secondSrv.Close()

	var reloaded sync.WaitGroup
	reloaded.Add(1)
	store.Subscribe(func(snap *config.Snapshot) {
		reg.ReloadFrom(snap)
		bal.UpdateThreshold(snap)
		reloaded.Done()
	})

	if err := os.WriteFile(cfgPath, []byte(configYAML([]string{firstSrv.URL, secondSrv.URL}, 10)), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	// Force the file's mtime forward so ReloadIfChanged's mtime check fires
	// even when the rewrite landed within the same filesystem tick.
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(cfgPath, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	changed, err := store.ReloadIfChanged(time.Now().Add(31 * time.Second))
	if err != nil {
		t.Fatalf("ReloadIfChanged: %v", err)
	}
	if !changed {
		t.Fatalf("expected config change to be detected")
	}

	done := make(chan struct{})
	go func() { reloaded.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reload subscriber")
	}

	table := reg.Current()
	if _, ok := table.ByURL(secondSrv.URL); !ok {
		t.Fatalf("expected registry to contain newly added endpoint %s", secondSrv.URL)
	}
	if len(table.Ordered()) != 2 {
		t.Fatalf("expected 2 selectable endpoints after reload, got %d", len(table.Ordered()))
	}
}
