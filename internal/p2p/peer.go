package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer represents a connected peer.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      string // "dht", "mdns", "seed", "manual", "inbound"
	// Ready is set once the handshake succeeded.
	Ready      bool
	Services   uint32
	BestHeight int32
}

// ServesBlocks reports whether the peer advertised block and filter service.
func (p *Peer) ServesBlocks() bool { return p.Services&ServiceBlocks != 0 }
