package healthmon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

func newReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// decodeHexQuantity parses a JSON-RPC "0x..." quantity result, as
// returned by eth_blockNumber, into a uint64 block height.
func decodeHexQuantity(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("decode block height: %w", err)
	}
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("decode block height: empty hex quantity")
	}
	return strconv.ParseUint(s, 16, 64)
}
