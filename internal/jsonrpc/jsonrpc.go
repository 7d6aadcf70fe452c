// Package jsonrpc defines the wire envelope for the relay's inbound and
// outbound JSON-RPC 2.0 traffic and the canonicalization used to key the
// TTL cache and single-flight group.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Request is a parsed client or outbound JSON-RPC call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response mirrors the client's ID byte-for-byte.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC level error envelope, forwarded verbatim from an
// upstream or synthesized by the relay itself.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

const Version = "2.0"

func NewResult(id json.RawMessage, result json.RawMessage) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

func NewError(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

// Error codes surfaced to clients.
const (
	CodeParseOrInvalidRequest = -32600
	CodeInternal              = -32603
)

// CanonicalKey builds the cache/single-flight key for (method, params):
// the params are re-encoded with object keys sorted lexicographically
// and no insignificant whitespace.
func CanonicalKey(method string, params json.RawMessage) (string, error) {
	canon, err := canonicalizeJSON(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	return method + "\x00" + canon, nil
}

func canonicalizeJSON(raw json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "null", nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// encodeCanonical writes v with map keys sorted and no extraneous
// whitespace, recursing through arrays and objects. json.Marshal already
// sorts map[string]interface{} keys, but we write our own walk so the
// ordering guarantee doesn't depend on that implementation detail.
func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// RewriteTransactionCountToPending overrides the second element of params
// with "pending", unconditionally, when it exists. It never appends an
// element to a shorter params list. Returns the (possibly unchanged)
// params and whether a rewrite happened.
func RewriteTransactionCountToPending(params json.RawMessage) (json.RawMessage, bool, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil {
		return params, false, nil // not an array: leave untouched, not an error for the caller
	}
	if len(arr) < 2 {
		return params, false, nil
	}
	pending, _ := json.Marshal("pending")
	if string(arr[1]) == string(pending) {
		return params, false, nil
	}
	arr[1] = pending
	out, err := json.Marshal(arr)
	if err != nil {
		return params, false, err
	}
	return out, true, nil
}

// TransactionFromAddrAndNonce extracts params[0].from and params[0].nonce
// for eth_sendTransaction / personal_sendTransaction pre-checks.
func TransactionFromAddrAndNonce(params json.RawMessage) (from string, nonce string, ok bool) {
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) < 1 {
		return "", "", false
	}
	var tx map[string]interface{}
	if err := json.Unmarshal(arr[0], &tx); err != nil {
		return "", "", false
	}
	fromV, _ := tx["from"].(string)
	if fromV == "" {
		return "", "", false
	}
	nonceV, _ := tx["nonce"].(string)
	return fromV, nonceV, true
}

// SetTransactionNonce rewrites params[0].nonce to the supplied value.
func SetTransactionNonce(params json.RawMessage, nonce string) (json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) < 1 {
		return params, fmt.Errorf("params[0] not present")
	}
	var tx map[string]interface{}
	if err := json.Unmarshal(arr[0], &tx); err != nil {
		return params, err
	}
	tx["nonce"] = nonce
	txb, err := json.Marshal(tx)
	if err != nil {
		return params, err
	}
	arr[0] = txb
	return json.Marshal(arr)
}

// BuildParams encodes a []interface{}-style params list, used when the
// dispatcher constructs outbound calls such as the nonce pre-check.
func BuildParams(args ...interface{}) json.RawMessage {
	b, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage("[]")
	}
	return b
}
