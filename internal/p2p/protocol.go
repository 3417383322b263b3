package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/Klingon-tech/klingnet-spv/internal/errs"
	"github.com/Klingon-tech/klingnet-spv/internal/netsync"
)

// Stream protocol IDs.
const (
	// HandshakeProtocol checks that both ends follow the same chain.
	HandshakeProtocol = protocol.ID("/klingnet-spv/handshake/1.0.0")
	TipProtocol       = protocol.ID("/klingnet-spv/tip/1.0.0")
	HeadersProtocol   = protocol.ID("/klingnet-spv/headers/1.0.0")
	FilterProtocol    = protocol.ID("/klingnet-spv/filter/1.0.0")
	BlockProtocol     = protocol.ID("/klingnet-spv/block/1.0.0")
	TxProtocol        = protocol.ID("/klingnet-spv/tx/1.0.0")

	// ProtocolVersion is the current protocol version advertised during handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1
)

// Service flags advertised during handshake.
const (
	// ServiceBlocks marks peers that serve blocks and basic filters.
	ServiceBlocks uint32 = 1 << iota
	// ServiceRelay marks peers that accept transactions for relay.
	ServiceRelay
)

// TxTopic returns the GossipSub topic for a network's transactions.
func TxTopic(network string) string {
	return fmt.Sprintf("/klingnet-spv/%s/tx/1.0.0", network)
}

// Limits on a single request or response.
const (
	MaxHeadersPerRequest = 2000

	defaultRequestTimeout = 30 * time.Second
	maxRequestBytes       = 128 * 1024
	maxHeadersBytes       = 1 << 20
	maxFilterBytes        = 1 << 20
	// Blocks travel base64 encoded inside JSON.
	maxBlockBytes = 6 << 20
	maxTxBytes    = 400_000
)

var (
	// ErrBadResponse is returned for responses that do not decode.
	ErrBadResponse = errs.New(errs.Validation, "malformed peer response")
	// ErrNotFound is returned when the peer does not have the requested data.
	ErrNotFound = errs.New(errs.Network, "peer does not have the requested data")
	// ErrRejected is returned when the peer refuses a relayed transaction.
	ErrRejected = errs.New(errs.Validation, "transaction rejected by peer")

	errNotStarted = errs.New(errs.Network, "p2p node not started")
)

// TipResponse carries a peer's best header.
type TipResponse struct {
	Hash   string `json:"hash"`
	Height int32  `json:"height"`
}

// HeadersRequest asks for the headers following the first known locator hash.
type HeadersRequest struct {
	Locator []string `json:"locator"`
	Max     int      `json:"max"`
}

// HeadersResponse carries serialized 80-byte headers back to back.
type HeadersResponse struct {
	Headers []byte `json:"headers"`
	Error   string `json:"error,omitempty"`
}

// HashRequest names a block.
type HashRequest struct {
	Hash string `json:"hash"`
}

// DataResponse carries a serialized block or filter.
type DataResponse struct {
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// TxMessage carries a serialized transaction.
type TxMessage struct {
	Tx []byte `json:"tx"`
}

// TxAck answers a relayed transaction.
type TxAck struct {
	Error string `json:"error,omitempty"`
}

const notFound = "not found"

// request writes req on a fresh stream to id and decodes the reply into
// resp. Transport failures are mapped to the netsync error classes.
func (n *Node) request(ctx context.Context, id peer.ID, proto protocol.ID, req, resp any, limit int64) error {
	if n.host == nil {
		return errNotStarted
	}
	stream, err := n.host.NewStream(ctx, id, proto)
	if err != nil {
		return transportError(ctx, id, fmt.Errorf("open %s stream: %w", proto, err))
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { _ = stream.Reset() })
	defer stop()

	deadline := time.Now().Add(defaultRequestTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = stream.SetDeadline(deadline)

	if req != nil {
		if err := json.NewEncoder(stream).Encode(req); err != nil {
			return transportError(ctx, id, fmt.Errorf("send %s request: %w", proto, err))
		}
	}
	// Signal we're done writing.
	_ = stream.CloseWrite()

	if err := json.NewDecoder(io.LimitReader(stream, limit)).Decode(resp); err != nil {
		var syntax *json.SyntaxError
		var typ *json.UnmarshalTypeError
		if errors.As(err, &syntax) || errors.As(err, &typ) {
			return fmt.Errorf("%w: %s from %s: %v", ErrBadResponse, proto, shortID(id), err)
		}
		return transportError(ctx, id, fmt.Errorf("read %s response: %w", proto, err))
	}
	return nil
}

// transportError classifies a stream failure. A done context is reported
// as such so callers can tell cancellation from a slow peer.
func transportError(ctx context.Context, id peer.ID, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %s: %v", netsync.ErrPeerTimeout, shortID(id), err)
	}
	return fmt.Errorf("%w: %s: %v", netsync.ErrPeerDisconnected, shortID(id), err)
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
