// Package dispatcher orchestrates one client JSON-RPC request end to
// end: nonce rewrite, cache probe, single-flight coalescing, balancer
// selection with a bounded wait, the outbound call with one retry, cache
// fill, and metrics.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/scerb/rpc-relay/internal/apperror"
	"github.com/scerb/rpc-relay/internal/balancer"
	"github.com/scerb/rpc-relay/internal/cache"
	"github.com/scerb/rpc-relay/internal/config"
	"github.com/scerb/rpc-relay/internal/jsonrpc"
	"github.com/scerb/rpc-relay/internal/metrics"
	"github.com/scerb/rpc-relay/internal/registry"
	"github.com/scerb/rpc-relay/internal/relayhttp"
)

const (
	defaultSelectTimeout   = 5 * time.Second
	defaultOutboundTimeout = 15 * time.Second
	selectPollInterval     = 10 * time.Millisecond
)

// Dispatcher wires every core subsystem together for the duration of one
// client request.
type Dispatcher struct {
	cfg      *config.Store
	registry *registry.Registry
	balancer *balancer.Balancer
	cache    *cache.TTLCache
	outbound *relayhttp.Client
	metrics  *metrics.Collectors
}

func New(cfg *config.Store, reg *registry.Registry, bal *balancer.Balancer, c *cache.TTLCache, outbound *relayhttp.Client, m *metrics.Collectors) *Dispatcher {
	return &Dispatcher{cfg: cfg, registry: reg, balancer: bal, cache: c, outbound: outbound, metrics: m}
}

// Dispatch runs the full request contract and always returns a
// well-formed jsonrpc.Response, mirroring client.ID byte-for-byte.
func (d *Dispatcher) Dispatch(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	started := time.Now()

	if req.Method == "eth_getTransactionCount" {
		params, rewritten, err := jsonrpc.RewriteTransactionCountToPending(req.Params)
		if err == nil {
			req.Params = params
			if rewritten {
				slog.Debug("dispatcher: rewrote nonce param to pending", slog.String("method", req.Method))
			}
		}
	}

	snap := d.cfg.Current()
	ttl, cacheable := snap.CacheTTL[req.Method]

	if !cacheable {
		result, derr := d.callWithRetry(ctx, req)
		return d.finish(req.ID, result, derr, false, started)
	}

	key, err := jsonrpc.CanonicalKey(req.Method, req.Params)
	if err != nil {
		return d.finish(req.ID, nil, apperror.ErrMalformedRequest, false, started)
	}

	// A leader's outbound call must outlive its own client: followers
	// share its outcome, and a completed call still fills the cache. The
	// per-call timeout inside sendTo still bounds it.
	loadCtx := context.WithoutCancel(ctx)
	result, hit, derr := d.cache.GetOrLoad(key, ttl, time.Now(), func() (json.RawMessage, error) {
		return d.callWithRetry(loadCtx, req)
	})
	cacheHit := hit && derr == nil
	return d.finish(req.ID, result, derr, cacheHit, started)
}

func (d *Dispatcher) finish(id json.RawMessage, result json.RawMessage, err error, cacheHit bool, started time.Time) jsonrpc.Response {
	elapsed := time.Since(started)
	outcome := "success"
	defer func() {
		if d.metrics != nil {
			d.metrics.RecordRequest(cacheHit, outcome, elapsed)
		}
	}()

	if err == nil {
		return jsonrpc.NewResult(id, result)
	}

	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		outcome = "error"
		return jsonrpc.NewError(id, appErr.JSONRPCCode, appErr.Message)
	}

	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		outcome = "upstream_rpc_error"
		return jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Error: rpcErr}
	}

	outcome = "error"
	return jsonrpc.NewError(id, jsonrpc.CodeInternal, apperror.ErrUpstreamTransport.Message)
}

// callWithRetry performs bounded-wait endpoint selection, the outbound
// call, and exactly one retry against a different endpoint for transport
// failures/5xx/timeouts. A JSON-RPC level error from upstream is
// returned verbatim with no retry and no health-state change.
func (d *Dispatcher) callWithRetry(ctx context.Context, req jsonrpc.Request) (json.RawMessage, error) {
	snap := d.cfg.Current()

	ep, err := d.selectEndpoint(ctx, snap.SelectTimeout)
	if err != nil {
		return nil, apperror.ErrNoEndpointAvailable
	}

	result, rpcErr, transportErr := d.sendTo(ctx, ep, req, snap.OutboundTimeout)
	if transportErr == nil {
		return result, rpcErr
	}

	slog.Warn("dispatcher: outbound call failed, retrying against a different endpoint",
		slog.String("url", ep.URL), slog.String("error", transportErr.Error()))

	ep2, err := d.balancer.SelectExcluding(time.Now(), ep.URL)
	if err != nil {
		return nil, apperror.ErrUpstreamTransport
	}

	result, rpcErr, transportErr = d.sendTo(ctx, ep2, req, snap.OutboundTimeout)
	if transportErr != nil {
		return nil, apperror.ErrUpstreamTransport
	}
	return result, rpcErr
}

// sendTo performs one outbound call against ep, updating its rate,
// call-count, and health-error accounting. A non-nil rpcErr
// (JSON-RPC-level) is a distinct outcome from a non-nil transportErr:
// the former is returned to the caller verbatim, the latter triggers
// the dispatcher's retry.
func (d *Dispatcher) sendTo(ctx context.Context, ep *registry.Endpoint, req jsonrpc.Request, timeout time.Duration) (json.RawMessage, error, error) {
	d.maybeNoncePreCheck(ctx, ep, &req, timeout)

	now := time.Now()
	ep.Rate.Record(now)
	ep.MarkCallSent()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := d.outbound.Call(callCtx, ep.URL, req)
	if err != nil {
		ep.MarkTransportFailure(d.cfg.Current().MaxBlocksBehind)
		return nil, nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error, nil
	}
	return resp.Result, nil, nil
}

// maybeNoncePreCheck pre-flights send methods: it issues a synchronous
// eth_getTransactionCount(from, "pending") against
// the same endpoint about to receive the real call, and overwrites the
// transaction's nonce if it differs. Best-effort: any failure here only
// logs a warning and leaves req untouched.
func (d *Dispatcher) maybeNoncePreCheck(ctx context.Context, ep *registry.Endpoint, req *jsonrpc.Request, timeout time.Duration) {
	if req.Method != "eth_sendTransaction" && req.Method != "personal_sendTransaction" {
		return
	}
	from, nonce, ok := jsonrpc.TransactionFromAddrAndNonce(req.Params)
	if !ok {
		return
	}

	precheckCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	precheckReq := jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      json.RawMessage(`1`),
		Method:  "eth_getTransactionCount",
		Params:  jsonrpc.BuildParams(from, "pending"),
	}
	resp, err := d.outbound.Call(precheckCtx, ep.URL, precheckReq)
	if err != nil || resp.Error != nil {
		slog.Warn("dispatcher: nonce pre-check failed, forwarding original transaction", slog.String("url", ep.URL))
		return
	}

	var observed string
	if err := json.Unmarshal(resp.Result, &observed); err != nil || observed == "" || observed == nonce {
		return
	}

	updated, err := jsonrpc.SetTransactionNonce(req.Params, observed)
	if err != nil {
		slog.Warn("dispatcher: failed to apply pre-checked nonce", slog.String("error", err.Error()))
		return
	}
	req.Params = updated
}

// selectEndpoint sleeps until the earliest candidate could send, in
// steps no larger than 10ms, bounded by selectTimeout (default 5s).
func (d *Dispatcher) selectEndpoint(ctx context.Context, selectTimeout time.Duration) (*registry.Endpoint, error) {
	if selectTimeout <= 0 {
		selectTimeout = defaultSelectTimeout
	}
	deadline := time.Now().Add(selectTimeout)

	for {
		now := time.Now()
		ep, err := d.balancer.Select(now)
		if err == nil {
			return ep, nil
		}
		if !errors.Is(err, balancer.ErrNoEndpointAvailable) {
			return nil, err
		}

		wait, ok := d.balancer.EarliestWait(now)
		if !ok {
			// No healthy candidate at all (not just rate-limited):
			// waiting cannot help.
			return nil, balancer.ErrNoEndpointAvailable
		}

		sleepFor := selectPollInterval
		if until := wait.Sub(now); until > 0 && until < sleepFor {
			sleepFor = until
		}
		if now.Add(sleepFor).After(deadline) {
			sleepFor = deadline.Sub(now)
		}
		if sleepFor <= 0 {
			return nil, balancer.ErrNoEndpointAvailable
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleepFor):
		}

		if time.Now().After(deadline) {
			return nil, balancer.ErrNoEndpointAvailable
		}
	}
}
