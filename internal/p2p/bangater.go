package p2p

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// connGater implements the libp2p ConnectionGater interface. It refuses
// banned peers in both directions and inbound peers beyond MaxPeers.
type connGater struct {
	banMgr *BanManager
	// full is nil in tests that only exercise bans.
	full func() bool
}

// InterceptPeerDial rejects outbound dials to banned peers.
func (g *connGater) InterceptPeerDial(p peer.ID) bool {
	return !g.banMgr.IsBanned(p)
}

// InterceptAddrDial allows all address dials (filtering is done per-peer).
func (g *connGater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool {
	return true
}

// InterceptAccept allows all inbound connections at the transport layer.
// Peer identity is not yet known at this stage.
func (g *connGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured runs once the remote identity is authenticated.
func (g *connGater) InterceptSecured(dir network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	if g.banMgr.IsBanned(p) {
		return false
	}
	if dir == network.DirInbound && g.full != nil && g.full() {
		return false
	}
	return true
}

// InterceptUpgraded allows all fully upgraded connections.
func (g *connGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
