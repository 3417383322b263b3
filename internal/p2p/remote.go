package p2p

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-spv/internal/netsync"
)

// Remote is a connected peer seen through the request protocols.
type Remote struct {
	node     *Node
	id       peer.ID
	services uint32
}

var _ netsync.Source = (*Remote)(nil)

// Remote returns a request client for id.
func (n *Node) Remote(id peer.ID, services uint32) *Remote {
	return &Remote{node: n, id: id, services: services}
}

func (r *Remote) ID() string { return r.id.String() }

// PeerID returns the libp2p identity of the peer.
func (r *Remote) PeerID() peer.ID { return r.id }

// ServesBlocks reports whether the peer advertised block and filter service.
func (r *Remote) ServesBlocks() bool { return r.services&ServiceBlocks != 0 }

func (r *Remote) Tip(ctx context.Context) (chainhash.Hash, int32, error) {
	var resp TipResponse
	if err := r.node.request(ctx, r.id, TipProtocol, nil, &resp, maxRequestBytes); err != nil {
		return chainhash.Hash{}, 0, err
	}
	hash, err := chainhash.NewHashFromStr(resp.Hash)
	if err != nil || resp.Height < 0 {
		return chainhash.Hash{}, 0, fmt.Errorf("%w: tip %q at %d", ErrBadResponse, resp.Hash, resp.Height)
	}
	return *hash, resp.Height, nil
}

func (r *Remote) Headers(ctx context.Context, locator []chainhash.Hash, max int) ([]wire.BlockHeader, error) {
	if max <= 0 || max > MaxHeadersPerRequest {
		max = MaxHeadersPerRequest
	}
	req := HeadersRequest{Locator: make([]string, len(locator)), Max: max}
	for i, h := range locator {
		req.Locator[i] = h.String()
	}
	var resp HeadersResponse
	if err := r.node.request(ctx, r.id, HeadersProtocol, &req, &resp, maxHeadersBytes); err != nil {
		return nil, err
	}
	if err := remoteError(resp.Error); err != nil {
		return nil, err
	}
	return decodeHeaders(resp.Headers)
}

func decodeHeaders(raw []byte) ([]wire.BlockHeader, error) {
	if len(raw)%wire.MaxBlockHeaderPayload != 0 {
		return nil, fmt.Errorf("%w: %d header bytes", ErrBadResponse, len(raw))
	}
	hdrs := make([]wire.BlockHeader, len(raw)/wire.MaxBlockHeaderPayload)
	rd := bytes.NewReader(raw)
	for i := range hdrs {
		if err := hdrs[i].Deserialize(rd); err != nil {
			return nil, fmt.Errorf("%w: header %d: %v", ErrBadResponse, i, err)
		}
	}
	return hdrs, nil
}

func (r *Remote) Filter(ctx context.Context, hash chainhash.Hash) (*gcs.Filter, error) {
	var resp DataResponse
	req := HashRequest{Hash: hash.String()}
	if err := r.node.request(ctx, r.id, FilterProtocol, &req, &resp, maxFilterBytes); err != nil {
		return nil, err
	}
	if err := remoteError(resp.Error); err != nil {
		return nil, fmt.Errorf("filter %s: %w", hash, err)
	}
	f, err := gcs.FromNBytes(builder.DefaultP, builder.DefaultM, resp.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", netsync.ErrBadFilter, hash, err)
	}
	return f, nil
}

func (r *Remote) Block(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error) {
	var resp DataResponse
	req := HashRequest{Hash: hash.String()}
	if err := r.node.request(ctx, r.id, BlockProtocol, &req, &resp, maxBlockBytes); err != nil {
		return nil, err
	}
	if err := remoteError(resp.Error); err != nil {
		return nil, fmt.Errorf("block %s: %w", hash, err)
	}
	block := new(wire.MsgBlock)
	if err := block.Deserialize(bytes.NewReader(resp.Data)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", netsync.ErrBadBlock, hash, err)
	}
	return block, nil
}

// Broadcast relays tx to the peer and announces it on the gossip topic.
func (r *Remote) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return fmt.Errorf("serialize tx: %w", err)
	}
	var ack TxAck
	if err := r.node.request(ctx, r.id, TxProtocol, &TxMessage{Tx: buf.Bytes()}, &ack, maxRequestBytes); err != nil {
		return err
	}
	if ack.Error != "" {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}
	if err := r.node.PublishTx(tx); err != nil {
		r.node.logger.Debug().Err(err).Msg("Gossip publish failed")
	}
	return nil
}

func remoteError(msg string) error {
	switch msg {
	case "":
		return nil
	case notFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: %s", ErrBadResponse, msg)
	}
}
