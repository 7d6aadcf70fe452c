package jsonrpc_test

import (
	"encoding/json"
	"testing"

	"github.com/scerb/rpc-relay/internal/jsonrpc"
)

func TestCanonicalKey_SortsObjectKeysAndStripsWhitespace(t *testing.T) {
	a, err := jsonrpc.CanonicalKey("eth_call", json.RawMessage(`[{"to":"0x1","data":"0x2"},"latest"]`))
	if err != nil {
		t.Fatalf("CanonicalKey: %v", err)
	}
	b, err := jsonrpc.CanonicalKey("eth_call", json.RawMessage(`[ { "data" : "0x2", "to" : "0x1" } , "latest" ]`))
	if err != nil {
		t.Fatalf("CanonicalKey: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical keys for reordered/whitespaced params:\n%q\n%q", a, b)
	}
}

func TestCanonicalKey_DistinguishesMethods(t *testing.T) {
	a, _ := jsonrpc.CanonicalKey("eth_call", json.RawMessage(`[]`))
	b, _ := jsonrpc.CanonicalKey("eth_blockNumber", json.RawMessage(`[]`))
	if a == b {
		t.Fatal("different methods must not share a cache key")
	}
}

func TestCanonicalKey_MissingParamsEqualsNull(t *testing.T) {
	a, err := jsonrpc.CanonicalKey("eth_blockNumber", nil)
	if err != nil {
		t.Fatalf("CanonicalKey(nil): %v", err)
	}
	b, err := jsonrpc.CanonicalKey("eth_blockNumber", json.RawMessage(`null`))
	if err != nil {
		t.Fatalf("CanonicalKey(null): %v", err)
	}
	if a != b {
		t.Fatalf("absent and null params must key identically: %q vs %q", a, b)
	}
}

func TestRewriteTransactionCountToPending(t *testing.T) {
	cases := []struct {
		name          string
		params        string
		want          string
		wantRewritten bool
	}{
		{"overrides latest", `["0xabc","latest"]`, `["0xabc","pending"]`, true},
		{"overrides explicit block", `["0xabc","0x10"]`, `["0xabc","pending"]`, true},
		{"already pending", `["0xabc","pending"]`, `["0xabc","pending"]`, false},
		{"single element is not appended to", `["0xabc"]`, `["0xabc"]`, false},
		{"empty array untouched", `[]`, `[]`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, rewritten, err := jsonrpc.RewriteTransactionCountToPending(json.RawMessage(tc.params))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rewritten != tc.wantRewritten {
				t.Fatalf("rewritten = %v, want %v", rewritten, tc.wantRewritten)
			}
			if string(out) != tc.want {
				t.Fatalf("params = %s, want %s", out, tc.want)
			}
		})
	}
}

func TestSetTransactionNonce(t *testing.T) {
	params := json.RawMessage(`[{"from":"0xabc","nonce":"0x1","value":"0x0"}]`)
	out, err := jsonrpc.SetTransactionNonce(params, "0x9")
	if err != nil {
		t.Fatalf("SetTransactionNonce: %v", err)
	}

	from, nonce, ok := jsonrpc.TransactionFromAddrAndNonce(out)
	if !ok {
		t.Fatal("expected a decodable transaction object")
	}
	if from != "0xabc" || nonce != "0x9" {
		t.Fatalf("got from=%q nonce=%q, want from=0xabc nonce=0x9", from, nonce)
	}
}
