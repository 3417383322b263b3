package p2p

import (
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-multiaddr"
)

// connNotifier tracks connection lifecycle events via the network.Notifiee
// interface. It calls addPeer on connect and removePeer on disconnect.
type connNotifier struct {
	node *Node
}

// Connected is called when a new connection is opened.
func (cn *connNotifier) Connected(_ network.Network, conn network.Conn) {
	remotePeer := conn.RemotePeer()
	if remotePeer == cn.node.host.ID() {
		return // Ignore self-connections.
	}
	outbound := conn.Stat().Direction == network.DirOutbound
	source := "inbound"
	if outbound {
		source = ""
	}
	cn.node.addPeer(remotePeer, source)

	switch {
	case !cn.node.handshakeEnabled:
		// Nothing to check; assume a full peer.
		go cn.node.peerReady(remotePeer, HandshakeMessage{Services: ServiceBlocks | ServiceRelay})
	case outbound:
		// Inbound handshakes are handled by the stream handler.
		go cn.node.doHandshake(remotePeer)
	}
}

// Disconnected is called when a connection is closed. Only removes the peer
// if there are no remaining connections to it.
func (cn *connNotifier) Disconnected(net network.Network, conn network.Conn) {
	remotePeer := conn.RemotePeer()
	if len(net.ConnsToPeer(remotePeer)) == 0 {
		cn.node.removePeer(remotePeer)
	}
}

// Listen is called when the node starts listening on a new address.
func (cn *connNotifier) Listen(network.Network, multiaddr.Multiaddr) {}

// ListenClose is called when the node stops listening on an address.
func (cn *connNotifier) ListenClose(network.Network, multiaddr.Multiaddr) {}
