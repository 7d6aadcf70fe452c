// Package relayhttp is the boundary HTTP layer: the inbound POST "/"
// JSON-RPC handler, GET "/" liveness, and the shared outbound transport
// used to reach upstream endpoints. A transparent reverse proxy cannot
// serve here since the dispatcher rewrites the request body before
// forwarding it, so the outbound side is an explicit JSON-RPC client.
package relayhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/scerb/rpc-relay/internal/jsonrpc"
)

// Client sends JSON-RPC bodies to upstream endpoints over one shared
// *http.Transport with a capped connection pool and per-host limits.
type Client struct {
	http *http.Client
}

// NewClient builds a Client whose transport caps total idle connections
// at maxIdleConns and per-host connections at maxConnsPerHost (derived by
// the caller from each endpoint's max_tps).
func NewClient(maxIdleConns, maxConnsPerHost int) *Client {
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxConnsPerHost,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{http: &http.Client{Transport: transport}}
}

// ErrStatus is returned when an upstream responds with a non-2xx status,
// treated as a transport failure rather than forwarded.
type ErrStatus int

func (e ErrStatus) Error() string {
	return fmt.Sprintf("upstream returned status %d", int(e))
}

// Call POSTs req to url and decodes a JSON-RPC response, honoring
// timeout via ctx. A non-2xx HTTP status surfaces as ErrStatus so the
// dispatcher can treat it identically to a network-level failure.
func (c *Client) Call(ctx context.Context, url string, req jsonrpc.Request) (jsonrpc.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return jsonrpc.Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return jsonrpc.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return jsonrpc.Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return jsonrpc.Response{}, ErrStatus(resp.StatusCode)
	}

	var rpcResp jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return jsonrpc.Response{}, err
	}
	return rpcResp, nil
}
