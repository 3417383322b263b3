package p2p

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// DefaultCacheSize is the number of encoded filters and blocks a Server keeps.
const DefaultCacheSize = 256

// Backend is the chain a Server answers from.
type Backend interface {
	Tip() (chainhash.Hash, int32)
	HeadersAfter(locator []chainhash.Hash, max int) []wire.BlockHeader
}

// BlockBackend is implemented by backends that keep full blocks. Servers
// over other backends answer filter and block requests with not found.
type BlockBackend interface {
	Block(hash chainhash.Hash) (*wire.MsgBlock, bool)
	Filter(hash chainhash.Hash) (*gcs.Filter, bool)
}

// Server answers the tip, headers, filter and block protocols.
type Server struct {
	node    *Node
	backend Backend
	blocks  BlockBackend

	filters *lru.Cache[chainhash.Hash, []byte]
	encoded *lru.Cache[chainhash.Hash, []byte]
}

// NewServer returns a server over backend and attaches it to node, which
// installs its handlers on Start. A cacheSize of zero selects
// DefaultCacheSize.
func NewServer(node *Node, backend Backend, cacheSize int) (*Server, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	filters, err := lru.New[chainhash.Hash, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("filter cache: %w", err)
	}
	encoded, err := lru.New[chainhash.Hash, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("block cache: %w", err)
	}
	s := &Server{node: node, backend: backend, filters: filters, encoded: encoded}
	if bb, ok := backend.(BlockBackend); ok {
		s.blocks = bb
	}
	node.server = s
	node.SetServices(s.Services())
	return s, nil
}

// Services returns the service flags this server provides.
func (s *Server) Services() uint32 {
	if s.blocks != nil {
		return ServiceBlocks
	}
	return 0
}

// register installs the stream handlers on a started node.
func (s *Server) register() {
	s.serve(TipProtocol, false, s.tip)
	s.serve(HeadersProtocol, true, s.headers)
	s.serve(FilterProtocol, true, s.filter)
	s.serve(BlockProtocol, true, s.block)
}

// serve wraps a handler with the stream bookkeeping shared by all
// protocols. Handlers get the decoder for the request when it has one.
func (s *Server) serve(proto protocol.ID, hasRequest bool, fn func(from peer.ID, dec *json.Decoder) (any, error)) {
	s.node.host.SetStreamHandler(proto, func(stream network.Stream) {
		defer stream.Close()
		from := stream.Conn().RemotePeer()
		_ = stream.SetDeadline(time.Now().Add(defaultRequestTimeout))

		var dec *json.Decoder
		if hasRequest {
			dec = json.NewDecoder(io.LimitReader(stream, maxRequestBytes))
		}
		resp, err := fn(from, dec)
		if err != nil {
			s.node.logger.Debug().Str("peer", shortID(from)).Str("protocol", string(proto)).Err(err).Msg("Bad request")
			_ = stream.Reset()
			return
		}
		if err := json.NewEncoder(stream).Encode(resp); err != nil {
			s.node.logger.Debug().Str("peer", shortID(from)).Str("protocol", string(proto)).Err(err).Msg("Response write failed")
		}
	})
}

func (s *Server) tip(peer.ID, *json.Decoder) (any, error) {
	hash, height := s.backend.Tip()
	return &TipResponse{Hash: hash.String(), Height: height}, nil
}

func (s *Server) headers(from peer.ID, dec *json.Decoder) (any, error) {
	var req HeadersRequest
	if err := dec.Decode(&req); err != nil {
		return nil, err
	}
	if len(req.Locator) > 64 {
		s.node.BanManager.RecordOffense(from, PenaltyBadRequest, "oversized locator")
		return &HeadersResponse{Error: "locator too long"}, nil
	}
	locator := make([]chainhash.Hash, 0, len(req.Locator))
	for _, str := range req.Locator {
		h, err := chainhash.NewHashFromStr(str)
		if err != nil {
			return &HeadersResponse{Error: "bad locator hash"}, nil
		}
		locator = append(locator, *h)
	}
	max := req.Max
	if max <= 0 || max > MaxHeadersPerRequest {
		max = MaxHeadersPerRequest
	}
	hdrs := s.backend.HeadersAfter(locator, max)
	var buf bytes.Buffer
	buf.Grow(len(hdrs) * wire.MaxBlockHeaderPayload)
	for i := range hdrs {
		if err := hdrs[i].Serialize(&buf); err != nil {
			return nil, err
		}
	}
	return &HeadersResponse{Headers: buf.Bytes()}, nil
}

func (s *Server) hashRequest(dec *json.Decoder) (chainhash.Hash, error) {
	var req HashRequest
	if err := dec.Decode(&req); err != nil {
		return chainhash.Hash{}, err
	}
	h, err := chainhash.NewHashFromStr(req.Hash)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *h, nil
}

func (s *Server) filter(_ peer.ID, dec *json.Decoder) (any, error) {
	hash, err := s.hashRequest(dec)
	if err != nil {
		return nil, err
	}
	if data, ok := s.filters.Get(hash); ok {
		return &DataResponse{Data: data}, nil
	}
	if s.blocks == nil {
		return &DataResponse{Error: notFound}, nil
	}
	f, ok := s.blocks.Filter(hash)
	if !ok {
		return &DataResponse{Error: notFound}, nil
	}
	data, err := f.NBytes()
	if err != nil {
		return nil, err
	}
	s.filters.Add(hash, data)
	return &DataResponse{Data: data}, nil
}

func (s *Server) block(_ peer.ID, dec *json.Decoder) (any, error) {
	hash, err := s.hashRequest(dec)
	if err != nil {
		return nil, err
	}
	if data, ok := s.encoded.Get(hash); ok {
		return &DataResponse{Data: data}, nil
	}
	if s.blocks == nil {
		return &DataResponse{Error: notFound}, nil
	}
	b, ok := s.blocks.Block(hash)
	if !ok {
		return &DataResponse{Error: notFound}, nil
	}
	var buf bytes.Buffer
	if err := b.Serialize(&buf); err != nil {
		return nil, err
	}
	s.encoded.Add(hash, buf.Bytes())
	return &DataResponse{Data: buf.Bytes()}, nil
}
