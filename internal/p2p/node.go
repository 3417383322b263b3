// Package p2p connects the wallet to its peers over libp2p. It carries the
// header, filter and block request protocols the sync driver consumes, a
// gossip topic for transaction relay and a persisted address book with bans.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/internal/storage"
)

const (
	// peerConnectTimeout is the timeout for connecting to a persisted peer.
	peerConnectTimeout = 5 * time.Second

	seedRetryInterval = 10 * time.Second
)

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoDiscover bool
	DB         storage.DB // Peer and ban persistence (nil = disabled, for tests)
	DHTServer  bool       // Run DHT in server mode (for seeds)
	Network    string     // e.g. "testnet3"; isolates discovery and gossip per network
	DataDir    string     // Data directory for persisting node identity
	// Clock drives ban expiry and address book ageing. Defaults to the wall clock.
	Clock clock.Clock
}

// Node represents a P2P node built on libp2p.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	topicTx *pubsub.Topic
	subTx   *pubsub.Subscription

	txHandler func(from peer.ID, tx *wire.MsgTx) error

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	BanManager *BanManager   // set by New
	peerStore  *PeerStore    // nil if Config.DB is nil
	dht        *dht.IpfsDHT  // nil if NoDiscover
	connNotify *connNotifier // connection lifecycle tracker

	server *Server // nil when nothing is served

	onPeerReady func(*Remote)
	onPeerGone  func(peer.ID)

	// Handshake fields.
	genesisHash      chainhash.Hash
	handshakeEnabled bool
	heightFn         func() int32
	services         uint32
}

// New creates a new P2P node with the given config.
func New(cfg Config) *Node {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config:   cfg,
		logger:   klog.P2P,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[peer.ID]*Peer),
		services: ServiceRelay,
	}
	var banStore *BanStore
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB, cfg.Clock)
		banStore = NewBanStore(cfg.DB)
	}
	n.BanManager = NewBanManager(banStore, n, cfg.Clock)
	return n
}

// Start initializes the libp2p host, pubsub, and begins listening.
func (n *Node) Start() error {
	addr := fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)
	n.BanManager.LoadBans()

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addr),
		libp2p.ConnectionGater(&connGater{banMgr: n.BanManager, full: n.full}),
	}

	// Load or generate persistent identity so peer ID survives restarts.
	if n.config.DataDir != "" {
		privKey, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h

	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)

	// Init DHT before GossipSub so the DHT can serve as a peer source.
	if !n.config.NoDiscover {
		if err := n.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("init dht: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h,
		pubsub.WithMaxMessageSize(maxTxBytes+4*1024),
	)
	if err != nil {
		n.closeDHT()
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	if err := n.joinTopics(); err != nil {
		n.closeDHT()
		h.Close()
		return err
	}

	if n.handshakeEnabled {
		n.registerHandshakeHandler()
	}
	n.registerTxHandler()
	if n.server != nil {
		n.server.register()
	}

	go n.readLoop(n.subTx, n.handleTxMessage)
	go n.loadPersistedPeers()

	if len(n.config.Seeds) > 0 {
		n.logger.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
	}
	n.connectSeedsOnce()
	go n.connectSeedsLoop()

	if !n.config.NoDiscover {
		n.startMDNS()
		go n.runDHTDiscovery()
	}
	if n.peerStore != nil {
		go n.runPersistLoop()
	}
	go n.BanManager.RunPruneLoop(n.ctx.Done())

	n.logger.Info().Str("id", h.ID().String()).Strs("addrs", n.Addrs()).Msg("P2P node started")
	return nil
}

// Stop shuts down the P2P node.
func (n *Node) Stop() error {
	// Persist peers one final time before shutdown.
	n.persistPeers()

	n.cancel()
	if n.subTx != nil {
		n.subTx.Cancel()
	}
	if n.topicTx != nil {
		n.topicTx.Close()
	}
	n.closeDHT()
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// SetPeerHandlers registers callbacks for peers that completed the
// handshake and for peers whose last connection closed.
func (n *Node) SetPeerHandlers(ready func(*Remote), gone func(peer.ID)) {
	n.onPeerReady = ready
	n.onPeerGone = gone
}

// SetGenesisHash sets the genesis hash for handshake validation.
// A non-zero hash enables the handshake protocol.
func (n *Node) SetGenesisHash(h chainhash.Hash) {
	n.genesisHash = h
	n.handshakeEnabled = h != (chainhash.Hash{})
}

// SetHeightFn sets the function used to report best height during handshake.
func (n *Node) SetHeightFn(fn func() int32) {
	n.heightFn = fn
}

// SetServices adds service flags advertised during handshake.
func (n *Node) SetServices(flags uint32) {
	n.services |= flags
}

// SetTxHandler registers a callback for transactions received by gossip or
// direct relay. A non-nil error refuses a direct relay.
func (n *Node) SetTxHandler(fn func(from peer.ID, tx *wire.MsgTx) error) {
	n.txHandler = fn
}

// Connect dials a peer given as a full multiaddr ending in /p2p/<id>.
func (n *Node) Connect(ctx context.Context, addr string) error {
	if n.host == nil {
		return errNotStarted
	}
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("parse peer address: %w", err)
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connect %s: %w", shortID(info.ID), err)
	}
	n.addPeer(info.ID, "manual")
	return nil
}

// DisconnectPeer closes all connections to a peer and removes it from the peer list.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return fmt.Errorf("node not started")
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// Misbehaving records an offense against the peer with the given ID
// string. The sync driver reports peers that served invalid data here.
func (n *Node) Misbehaving(id string, err error) {
	pid, decodeErr := peer.Decode(id)
	if decodeErr != nil {
		return
	}
	n.BanManager.RecordOffense(pid, PenaltyInvalidData, err.Error())
}

// ID returns the peer ID of this node.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs of this node.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

func (n *Node) addPeer(id peer.ID, source string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, exists := n.peers[id]; exists {
		if p.Source == "" {
			p.Source = source
		}
		return
	}
	n.peers[id] = &Peer{
		ID:          id,
		ConnectedAt: n.config.Clock.Now(),
		Source:      source,
	}
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	_, existed := n.peers[id]
	delete(n.peers, id)
	n.mu.Unlock()
	if existed && n.onPeerGone != nil {
		n.onPeerGone(id)
	}
}

// peerReady records a completed handshake and hands the peer to the
// ready callback.
func (n *Node) peerReady(id peer.ID, msg HandshakeMessage) {
	n.mu.Lock()
	p, ok := n.peers[id]
	if !ok {
		p = &Peer{ID: id, ConnectedAt: n.config.Clock.Now()}
		n.peers[id] = p
	}
	p.Ready = true
	p.Services = msg.Services
	p.BestHeight = msg.BestHeight
	n.mu.Unlock()

	n.logger.Debug().Str("peer", shortID(id)).Int32("height", msg.BestHeight).
		Uint32("services", msg.Services).Msg("Peer ready")
	if n.onPeerReady != nil {
		n.onPeerReady(n.Remote(id, msg.Services))
	}
}

func (n *Node) joinTopics() error {
	var err error
	n.topicTx, err = n.pubsub.Join(TxTopic(n.config.Network))
	if err != nil {
		return fmt.Errorf("join tx topic: %w", err)
	}
	n.subTx, err = n.topicTx.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe tx: %w", err)
	}
	return nil
}

func (n *Node) readLoop(sub *pubsub.Subscription, handler func(*pubsub.Message)) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return // Context cancelled.
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue // Skip own messages.
		}
		handler(msg)
	}
}

// connectSeedsOnce tries to connect to each seed peer once (blocking).
// Returns true if at least one seed connected.
func (n *Node) connectSeedsOnce() bool {
	connected := false
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			n.logger.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		err = n.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			n.logger.Warn().Str("peer", shortID(info.ID)).Err(err).Msg("Seed connect failed")
			continue
		}
		n.addPeer(info.ID, "seed")
		n.logger.Info().Str("peer", shortID(info.ID)).Msg("Seed connected")
		connected = true
	}
	return connected
}

// connectSeedsLoop retries seed connections while the node has no peers.
func (n *Node) connectSeedsLoop() {
	if len(n.config.Seeds) == 0 {
		return
	}
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.config.Clock.TickAfter(seedRetryInterval):
			if n.PeerCount() == 0 {
				n.logger.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds...")
				n.connectSeedsOnce()
			}
		}
	}
}

// loadOrCreateIdentity loads a persisted libp2p identity key from dataDir,
// or generates a new one and saves it. This ensures the peer ID is stable.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}
