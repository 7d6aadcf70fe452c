package healthmon_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scerb/rpc-relay/internal/config"
	"github.com/scerb/rpc-relay/internal/healthmon"
	"github.com/scerb/rpc-relay/internal/jsonrpc"
	"github.com/scerb/rpc-relay/internal/registry"
)

func blockNumberServer(height string, status int, calls *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if status != http.StatusOK {
			http.Error(w, "down", status)
			return
		}
		var req jsonrpc.Request
		json.NewDecoder(r.Body).Decode(&req)
		result, _ := json.Marshal(height)
		json.NewEncoder(w).Encode(jsonrpc.NewResult(req.ID, result))
	}))
}

func snapFor(url string, maxTPS int, interval time.Duration) *config.Snapshot {
	return &config.Snapshot{
		Endpoints:       []config.EndpointSpec{{URL: url, Tier: config.TierPrimary, MaxTPS: maxTPS, Weight: 1}},
		MonitorInterval: interval,
		MaxBlocksBehind: 6,
	}
}

func TestMonitor_ProbeFeedsLatencyAndRateWindow(t *testing.T) {
	var calls atomic.Int32
	srv := blockNumberServer("0x64", http.StatusOK, &calls)
	defer srv.Close()

	snap := snapFor(srv.URL, 100, 5*time.Second)
	reg := registry.New(snap)
	mon := healthmon.New(reg, snap)

	mon.Start(context.Background())
	time.Sleep(300 * time.Millisecond)
	mon.Stop()

	if calls.Load() == 0 {
		t.Fatal("expected at least one probe to reach the upstream")
	}

	ep, _ := reg.Current().ByURL(srv.URL)
	if ep.EWMALatencyMS() <= 0 {
		t.Fatal("expected the probe round to seed the latency EWMA")
	}
	if ep.ConsecutiveErrors() != 0 {
		t.Fatalf("expected no errors after a successful probe, got %d", ep.ConsecutiveErrors())
	}
	if ep.Status() != registry.StatusHealthy {
		t.Fatalf("expected healthy status, got %s", ep.Status())
	}
	if ep.Rate.ObservedTPM(time.Now()) == 0 {
		t.Fatal("expected the probe to count against the endpoint's rate window")
	}
}

func TestMonitor_FailingProbesDriveEndpointUnhealthy(t *testing.T) {
	var calls atomic.Int32
	srv := blockNumberServer("", http.StatusInternalServerError, &calls)
	defer srv.Close()

	snap := snapFor(srv.URL, 100, 50*time.Millisecond)
	reg := registry.New(snap)
	mon := healthmon.New(reg, snap)

	mon.Start(context.Background())
	defer mon.Stop()

	ep, _ := reg.Current().ByURL(srv.URL)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ep.Status() == registry.StatusUnhealthy {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected 3 failed probes to mark the endpoint unhealthy, errors=%d status=%s",
		ep.ConsecutiveErrors(), ep.Status())
}

func TestMonitor_SkipsProbeWhenEndpointAtRateCap(t *testing.T) {
	var calls atomic.Int32
	srv := blockNumberServer("0x64", http.StatusOK, &calls)
	defer srv.Close()

	snap := snapFor(srv.URL, 1, 5*time.Second)
	reg := registry.New(snap)
	ep, _ := reg.Current().ByURL(srv.URL)
	ep.Rate.Record(time.Now()) // saturate the 1-TPS budget

	mon := healthmon.New(reg, snap)
	mon.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	mon.Stop()

	if calls.Load() != 0 {
		t.Fatalf("expected the probe to be skipped at the TPS cap, upstream saw %d calls", calls.Load())
	}
	if ep.ConsecutiveErrors() != 0 {
		t.Fatalf("a skipped probe must not count as a failure, got %d errors", ep.ConsecutiveErrors())
	}
}
