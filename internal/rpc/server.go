// Package rpc implements the wallet's JSON-RPC 2.0 API server.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/errs"
	"github.com/Klingon-tech/klingnet-spv/internal/keys"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/internal/netsync"
	"github.com/Klingon-tech/klingnet-spv/internal/p2p"
	"github.com/Klingon-tech/klingnet-spv/internal/txbuilder"
	"github.com/Klingon-tech/klingnet-spv/internal/wallet"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// Server is the JSON-RPC 2.0 HTTP server.
type Server struct {
	addr        string
	wallet      *wallet.State
	driver      *netsync.Driver // nil = sync endpoints report idle
	p2pNode     *p2p.Node       // nil = offline
	server      *http.Server
	logger      zerolog.Logger
	ln          net.Listener
	allowedNets []*net.IPNet // Empty = allow all.
}

// New creates a new RPC server over an open wallet. A zero-value RPCConfig
// allows all IPs.
func New(addr string, w *wallet.State, rpcCfg config.RPCConfig) *Server {
	s := &Server{
		addr:        addr,
		wallet:      w,
		logger:      klog.RPC,
		allowedNets: parseAllowedIPs(rpcCfg.AllowedIPs),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// Sends wait for the broadcast and rescans for the writer.
		WriteTimeout: 5 * time.Minute,
	}

	return s
}

// parseAllowedIPs converts string IP/CIDR entries into net.IPNet.
func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		// Try as a single IP (add /32 or /128).
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Start begins listening and serving in a background goroutine.
// It returns immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()

	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// SetDriver sets the sync driver for sync_* endpoints and rescans.
func (s *Server) SetDriver(d *netsync.Driver) {
	s.driver = d
}

// SetP2P sets the P2P node for net_* endpoints.
func (s *Server) SetP2P(n *p2p.Node) {
	s.p2pNode = n
}

// handleRequest is the main HTTP handler for JSON-RPC requests.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	// IP filtering.
	if len(s.allowedNets) > 0 {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ip := net.ParseIP(host)
		if ip == nil || !s.isIPAllowed(ip) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	if r.Method != http.MethodPost {
		writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, CodeParseError, "invalid JSON")
		return
	}

	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
		return
	}

	result, rpcErr := s.dispatch(r.Context(), &req)
	if rpcErr != nil {
		writeJSON(w, Response{
			JSONRPC: "2.0",
			Error:   rpcErr,
			ID:      req.ID,
		})
		return
	}

	writeJSON(w, Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	})
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, req *Request) (interface{}, *Error) {
	switch req.Method {
	case "wallet_getBalance":
		return s.handleWalletGetBalance(req)
	case "wallet_getAddress":
		return s.handleWalletGetAddress(ctx, req)
	case "wallet_send":
		return s.handleWalletSend(ctx, req)
	case "wallet_listCoins":
		return s.handleWalletListCoins(req)
	case "wallet_getHistory":
		return s.handleWalletGetHistory(req)
	case "wallet_getInfo":
		return s.handleWalletGetInfo(req)
	case "wallet_compact":
		return s.handleWalletCompact(ctx, req)
	case "wallet_rescan":
		return s.handleWalletRescan(ctx, req)
	case "sync_getStatus":
		return s.handleSyncGetStatus(req)
	case "sync_trigger":
		return s.handleSyncTrigger(req)
	case "net_getPeerInfo":
		return s.handleNetGetPeerInfo(req)
	case "net_getNodeInfo":
		return s.handleNetGetNodeInfo(req)
	case "net_getBanList":
		return s.handleNetGetBanList(req)
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

// writeJSON writes a JSON-RPC response.
func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes a JSON-RPC error response.
func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSON(w, Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
}

// isIPAllowed checks if the IP is in the allowed networks list.
func (s *Server) isIPAllowed(ip net.IP) bool {
	for _, n := range s.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// parseParams unmarshals the request params into the given target.
func parseParams(req *Request, target interface{}) *Error {
	if req.Params == nil {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}

	data, err := json.Marshal(req.Params)
	if err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}

	if err := json.Unmarshal(data, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

// walletError maps a wallet error to a JSON-RPC error. The error class
// travels in Data so clients can decide whether to retry.
func walletError(err error) *Error {
	class := errs.ClassOf(err)
	e := &Error{Message: err.Error(), Data: class.String()}
	switch {
	case errors.Is(err, txbuilder.ErrInsufficientFunds):
		e.Code = CodeInsufficientFunds
	case errors.Is(err, keys.ErrWrongPassphrase):
		e.Code = CodeWrongPassphrase
	case errors.Is(err, keys.ErrMissingPrivateKey):
		e.Code = CodeMissingPrivateKey
	case errors.Is(err, netsync.ErrSyncStalled):
		e.Code = CodeSyncStalled
	case class == errs.Validation:
		e.Code = CodeValidation
	case class == errs.Conflict:
		e.Code = CodeConflict
	case class == errs.Resource:
		e.Code = CodeResource
	case class == errs.Network:
		e.Code = CodeNetwork
	default:
		e.Code = CodeInternalError
	}
	return e
}
