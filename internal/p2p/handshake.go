package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// handshakeTimeout is the max time for a complete handshake exchange.
	handshakeTimeout = 10 * time.Second

	// maxHandshakeBytes limits handshake message size.
	maxHandshakeBytes = 4096
)

// HandshakeMessage is exchanged between peers to verify compatibility.
type HandshakeMessage struct {
	ProtocolVersion uint32 `json:"protocol_version"`
	Genesis         string `json:"genesis"`
	Network         string `json:"network"`
	BestHeight      int32  `json:"best_height"`
	Services        uint32 `json:"services"`
}

// registerHandshakeHandler sets up the stream handler for incoming handshakes.
func (n *Node) registerHandshakeHandler() {
	n.host.SetStreamHandler(HandshakeProtocol, func(stream network.Stream) {
		defer stream.Close()
		remotePeer := stream.Conn().RemotePeer()
		_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

		var peerMsg HandshakeMessage
		if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&peerMsg); err != nil {
			n.logger.Debug().Err(err).Str("peer", shortID(remotePeer)).Msg("Handshake read failed")
			return
		}
		ourMsg := n.buildHandshakeMessage()
		if err := json.NewEncoder(stream).Encode(&ourMsg); err != nil {
			n.logger.Debug().Err(err).Str("peer", shortID(remotePeer)).Msg("Handshake write failed")
			return
		}
		n.finishHandshake(remotePeer, peerMsg)
	})
}

// doHandshake initiates a handshake with a remote peer (dialer side).
func (n *Node) doHandshake(peerID peer.ID) {
	ctx, cancel := context.WithTimeout(n.ctx, handshakeTimeout)
	defer cancel()

	var peerMsg HandshakeMessage
	ourMsg := n.buildHandshakeMessage()
	if err := n.request(ctx, peerID, HandshakeProtocol, &ourMsg, &peerMsg, maxHandshakeBytes); err != nil {
		// Peers without the protocol cannot serve us; drop them.
		n.logger.Debug().Err(err).Str("peer", shortID(peerID)).Msg("Handshake failed, disconnecting")
		_ = n.DisconnectPeer(peerID)
		return
	}
	n.finishHandshake(peerID, peerMsg)
}

func (n *Node) finishHandshake(id peer.ID, msg HandshakeMessage) {
	if reason := n.validateHandshake(msg); reason != "" {
		n.logger.Warn().
			Str("peer", shortID(id)).
			Str("reason", reason).
			Msg("Handshake rejected, banning peer")
		n.BanManager.RecordOffense(id, PenaltyHandshakeFail, reason)
		_ = n.DisconnectPeer(id)
		return
	}
	n.peerReady(id, msg)
}

// validateHandshake checks a peer's handshake message for compatibility.
// Returns an empty string on success, or a reason string on failure.
func (n *Node) validateHandshake(msg HandshakeMessage) string {
	if msg.Genesis != n.genesisHash.String() {
		return fmt.Sprintf("genesis mismatch: peer=%.16s local=%.16s", msg.Genesis, n.genesisHash.String())
	}
	if msg.Network != n.config.Network {
		return fmt.Sprintf("network mismatch: peer=%q local=%q", msg.Network, n.config.Network)
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d",
			msg.ProtocolVersion, MinProtocolVersion)
	}
	if msg.BestHeight < 0 {
		return fmt.Sprintf("negative best height %d", msg.BestHeight)
	}
	return ""
}

// buildHandshakeMessage constructs our handshake message from node state.
func (n *Node) buildHandshakeMessage() HandshakeMessage {
	msg := HandshakeMessage{
		ProtocolVersion: ProtocolVersion,
		Genesis:         n.genesisHash.String(),
		Network:         n.config.Network,
		Services:        n.services,
	}
	if n.heightFn != nil {
		msg.BestHeight = n.heightFn()
	}
	return msg
}
