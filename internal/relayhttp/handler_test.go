package relayhttp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/scerb/rpc-relay/internal/jsonrpc"
	"github.com/scerb/rpc-relay/internal/relayhttp"
)

type stubDispatch struct {
	resp jsonrpc.Response
}

func (s stubDispatch) Dispatch(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	return s.resp
}

func TestHandler_GetIsLiveness(t *testing.T) {
	h := relayhttp.NewHandler(stubDispatch{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want 200", rr.Code)
	}
}

func TestHandler_MalformedBodyReturnsJSONRPCError(t *testing.T) {
	h := relayhttp.NewHandler(stubDispatch{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not-json"))

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if resp.Error == nil {
		t.Fatalf("expected a JSON-RPC error envelope")
	}
}

func TestHandler_MissingMethodReturnsJSONRPCError(t *testing.T) {
	h := relayhttp.NewHandler(stubDispatch{})
	rr := httptest.NewRecorder()
	body := `{"jsonrpc":"2.0","id":7,"params":[]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	h.ServeHTTP(rr, req)

	var resp jsonrpc.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if resp.Error == nil {
		t.Fatalf("expected a JSON-RPC error envelope")
	}
	var gotID int
	if err := json.Unmarshal(resp.ID, &gotID); err != nil || gotID != 7 {
		t.Fatalf("expected response id 7, got %s", resp.ID)
	}
}

func TestHandler_ValidRequestReturnsDispatcherResponse(t *testing.T) {
	idb, _ := json.Marshal(1)
	result, _ := json.Marshal("0x1")
	h := relayhttp.NewHandler(stubDispatch{resp: jsonrpc.NewResult(idb, result)})

	rr := httptest.NewRecorder()
	body := `{"jsonrpc":"2.0","id":1,"method":"eth_blockNumber","params":[]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if string(resp.Result) != `"0x1"` {
		t.Fatalf("result = %s, want \"0x1\"", resp.Result)
	}
}
