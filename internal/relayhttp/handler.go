package relayhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/scerb/rpc-relay/internal/apperror"
	"github.com/scerb/rpc-relay/internal/jsonrpc"
	"github.com/scerb/rpc-relay/internal/utils/userkey"
)

// Dispatch is the one method relayhttp needs from internal/dispatcher,
// kept as a narrow interface so this package doesn't import dispatcher
// directly.
type Dispatch interface {
	Dispatch(ctx context.Context, req jsonrpc.Request) jsonrpc.Response
}

// Handler is the inbound HTTP surface: POST "/" runs one JSON-RPC call
// through the Dispatcher, GET "/" answers liveness checks.
type Handler struct {
	dispatch Dispatch
}

func NewHandler(d Dispatch) *Handler {
	return &Handler{dispatch: d}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cip, _ := userkey.ReqToIP(r)
	attr := slog.String(cip.Type(), cip.Value())

	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("relayhttp: malformed request body", slog.String("error", err.Error()), attr)
		writeJSONRPCError(w, apperror.ErrMalformedRequest, nil)
		return
	}
	if req.Method == "" {
		slog.Warn("relayhttp: missing method", attr)
		writeJSONRPCError(w, apperror.ErrMalformedRequest, req.ID)
		return
	}

	slog.Info("relayhttp: request", slog.String("method", req.Method), attr)

	resp := h.dispatch.Dispatch(r.Context(), req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("relayhttp: failed to encode response", slog.String("error", err.Error()))
	}
}

func writeJSONRPCError(w http.ResponseWriter, appErr *apperror.AppError, id json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	resp := jsonrpc.NewError(id, appErr.JSONRPCCode, appErr.Message)
	json.NewEncoder(w).Encode(resp)
}
