/*
Package main is a JSON-RPC-speaking stand-in blockchain node, used only
for local development and integration testing against cmd/relay. It
answers eth_blockNumber / eth_getTransactionCount / eth_call /
eth_sendTransaction with injectable latency and failures: the node goes
down for a while and recovers on a timer, and independently fails a
configurable fraction of individual requests with a 5xx.
*/
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scerb/rpc-relay/internal/jsonrpc"
	"github.com/scerb/rpc-relay/internal/prettylog"
	"github.com/scerb/rpc-relay/internal/utils/userkey"
)

var (
	addr            string
	failureProb     float64
	minDelayMS      int
	maxDelayMS      int
	startBlock      uint64
	blockAdvanceSec int
)

func init() {
	flag.StringVar(&addr, "addr", ":9090", "listen address")
	flag.Float64Var(&failureProb, "fail-prob", 0.1, "probability of a simulated per-request failure")
	flag.IntVar(&minDelayMS, "min-delay-ms", 5, "minimum simulated response latency")
	flag.IntVar(&maxDelayMS, "max-delay-ms", 50, "maximum simulated response latency")
	flag.Uint64Var(&startBlock, "start-block", 1000, "starting eth_blockNumber value")
	flag.IntVar(&blockAdvanceSec, "block-advance-s", 2, "seconds between block height increments")
}

// ServerState models a node that goes down for a while, then recovers,
// independent of the per-request failure probability used to simulate
// transient 5xx responses.
type ServerState struct {
	mu                 sync.RWMutex
	isAlive            bool
	nextFailureTime    time.Time
	nextRecoveryTime   time.Time
	failureDuration    time.Duration
	failureProbability float64

	blockHeight atomic.Uint64
}

func NewServerState() *ServerState {
	s := &ServerState{
		isAlive:            true,
		failureDuration:    10 * time.Second,
		failureProbability: failureProb,
		nextFailureTime:    time.Now().Add(time.Duration(15+rand.IntN(20)) * time.Second),
	}
	s.blockHeight.Store(startBlock)
	return s
}

func (s *ServerState) CheckHealth() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isAlive
}

func (s *ServerState) Update() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.isAlive {
		if now.After(s.nextFailureTime) && rand.Float64() < 0.02 {
			s.isAlive = false
			s.nextRecoveryTime = now.Add(s.failureDuration)
			slog.Warn("mockupstream: node went down")
		}
	} else if now.After(s.nextRecoveryTime) {
		s.isAlive = true
		s.nextFailureTime = now.Add(time.Duration(15+rand.IntN(20)) * time.Second)
		slog.Info("mockupstream: node recovered")
	}
}

func (s *ServerState) advanceBlocks(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(blockAdvanceSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.blockHeight.Add(1)
		}
	}
}

func handler(state *ServerState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cip, _ := userkey.ReqToIP(r)
		attr := slog.String(cip.Type(), cip.Value())

		state.Update()

		delay := time.Duration(minDelayMS+rand.IntN(maxDelayMS-minDelayMS+1)) * time.Millisecond
		time.Sleep(delay)

		if !state.CheckHealth() {
			slog.Info("mockupstream: node down, returning 503", attr)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}
		if rand.Float64() < state.failureProbability {
			slog.Info("mockupstream: simulated failure", attr)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		var req jsonrpc.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		resp := answer(state, req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)

		slog.Info("mockupstream: served", slog.String("method", req.Method), attr)
	}
}

func answer(state *ServerState, req jsonrpc.Request) jsonrpc.Response {
	switch req.Method {
	case "eth_blockNumber":
		height := state.blockHeight.Load()
		return jsonrpc.NewResult(req.ID, quote(fmt.Sprintf("0x%x", height)))
	case "eth_getTransactionCount":
		return jsonrpc.NewResult(req.ID, quote(fmt.Sprintf("0x%x", rand.IntN(1000))))
	case "eth_call":
		return jsonrpc.NewResult(req.ID, quote("0x"))
	case "eth_sendTransaction", "personal_sendTransaction":
		return jsonrpc.NewResult(req.ID, quote(fmt.Sprintf("0x%x", rand.Uint64())))
	default:
		return jsonrpc.NewResult(req.ID, quote("0x0"))
	}
}

func quote(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func main() {
	flag.Parse()
	prettylog.InitLogger("debug")

	state := NewServerState()
	stop := make(chan struct{})
	go state.advanceBlocks(stop)
	defer close(stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handler(state))

	slog.Info("mockupstream starting", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("mockupstream exited", slog.String("error", err.Error()))
	}
}
