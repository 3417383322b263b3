package p2p

import (
	"context"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

const (
	// dhtRendezvousFallback is the discovery namespace when no network is set.
	dhtRendezvousFallback = "klingnet-spv"

	// dhtDiscoveryInterval is how often DHT FindPeers runs.
	dhtDiscoveryInterval = 30 * time.Second
)

// rendezvous returns the DHT/mDNS discovery namespace for this node.
func (n *Node) rendezvous() string {
	if n.config.Network != "" {
		return "klingnet-spv/" + n.config.Network
	}
	return dhtRendezvousFallback
}

// discoveryNotifee handles mDNS peer discovery notifications.
type discoveryNotifee struct {
	node *Node
}

// HandlePeerFound is called when a peer is discovered via mDNS.
func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.node.host.ID() || d.node.full() {
		return
	}
	ctx, cancel := context.WithTimeout(d.node.ctx, peerConnectTimeout)
	defer cancel()
	if err := d.node.host.Connect(ctx, pi); err == nil {
		d.node.addPeer(pi.ID, "mdns")
	}
}

func (n *Node) startMDNS() {
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), &discoveryNotifee{node: n})
	// mDNS failure is non-fatal.
	_ = svc.Start()
}

// full reports whether MaxPeers is reached.
func (n *Node) full() bool {
	return n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers
}

func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kadDHT, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return err
	}
	n.dht = kadDHT
	return kadDHT.Bootstrap(n.ctx)
}

func (n *Node) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

func (n *Node) runDHTDiscovery() {
	if n.dht == nil {
		return
	}
	routingDiscovery := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, routingDiscovery, n.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findDHTPeers(routingDiscovery)
		}
	}
}

func (n *Node) findDHTPeers(routingDiscovery *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, 20*time.Second)
	defer cancel()

	peerCh, err := routingDiscovery.FindPeers(ctx, n.rendezvous())
	if err != nil {
		n.logger.Debug().Err(err).Msg("DHT peer search failed")
		return
	}
	for p := range peerCh {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 || n.BanManager.IsBanned(p.ID) {
			continue
		}
		if n.full() {
			return
		}
		connectCtx, connectCancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(connectCtx, p); err == nil {
			n.addPeer(p.ID, "dht")
		}
		connectCancel()
	}
}
