// Package node assembles the wallet engine: storage, keys, wallet state,
// peer network, sync driver and RPC. It is embedded by the daemon and by
// tests that need a complete engine.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/errs"
	"github.com/Klingon-tech/klingnet-spv/internal/keys"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/internal/metrics"
	"github.com/Klingon-tech/klingnet-spv/internal/netsync"
	"github.com/Klingon-tech/klingnet-spv/internal/p2p"
	"github.com/Klingon-tech/klingnet-spv/internal/rpc"
	"github.com/Klingon-tech/klingnet-spv/internal/storage"
	"github.com/Klingon-tech/klingnet-spv/internal/wallet"
)

// Keyspaces inside the wallet database.
var (
	walletPrefix = []byte("w/")
	p2pPrefix    = []byte("p/")
)

// ErrNoKeystore is returned when the configured keystore entry is missing.
var ErrNoKeystore = errs.New(errs.Resource, "no wallet in keystore")

// Node is a fully-initialized wallet engine.
type Node struct {
	cfg    *config.Config
	params *config.Params
	logger zerolog.Logger

	// Core
	db       *storage.BadgerDB
	keystore *keys.Keystore
	wallet   *wallet.State
	metrics  *metrics.Metrics

	// Networking
	p2pNode *p2p.Node
	peers   *netsync.PeerSet
	driver  *netsync.Driver

	// Surfaces
	rpcServer     *rpc.Server
	metricsServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It opens storage and the wallet,
// starts P2P and RPC, but does NOT start the sync loop. Call Start() for
// that.
func New(cfg *config.Config) (*Node, error) {
	cfg.DataDir = expandHome(cfg.DataDir)

	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, config.AppName+".log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, expandHome(logFile)); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 2. Chain parameters ─────────────────────────────────────────
	params, err := cfg.Params()
	if err != nil {
		return nil, fmt.Errorf("chain parameters: %w", err)
	}
	rootHash := params.RootHeader.BlockHash()
	logger.Info().
		Str("network", string(cfg.Network)).
		Str("root", rootHash.String()[:16]+"...").
		Int32("root_height", params.RootHeight).
		Msg("Starting Klingnet SPV wallet")

	// ── 3. Keystore ─────────────────────────────────────────────────
	ks, err := keys.NewKeystore(cfg.KeystoreDir())
	if err != nil {
		return nil, err
	}
	info, err := ks.Info(cfg.Wallet.Keystore)
	if err != nil {
		if errors.Is(err, keys.ErrWalletNotFound) {
			return nil, fmt.Errorf("%w %q at %s (run klingnet-spv create)",
				ErrNoKeystore, cfg.Wallet.Keystore, cfg.KeystoreDir())
		}
		return nil, fmt.Errorf("read keystore %q: %w", cfg.Wallet.Keystore, err)
	}
	if info.Network != params.Chain.Name {
		return nil, fmt.Errorf("keystore %q is for %s, config selects %s",
			info.Name, info.Network, params.Chain.Name)
	}

	// ── 4. Key hierarchy ────────────────────────────────────────────
	// The engine runs on the account xpub; private keys are only unlocked
	// for signing.
	hierarchy, err := keys.NewWatchOnly(info.AccountXPub, params.Chain, info.Account, cfg.Wallet.Lookahead)
	if err != nil {
		return nil, fmt.Errorf("load account %d: %w", info.Account, err)
	}
	birth := info.Birth
	if cfg.Wallet.Birth > 0 {
		birth = time.Unix(cfg.Wallet.Birth, 0)
	}
	logger.Info().
		Str("wallet", info.Name).
		Uint32("account", info.Account).
		Bool("watch_only", info.WatchOnly).
		Time("birth", birth).
		Msg("Keystore loaded")

	// ── 5. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.WalletDBDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.WalletDBDir(), err)
	}
	logger.Info().Str("path", cfg.WalletDBDir()).Msg("Database opened")

	// ── 6. Wallet state ─────────────────────────────────────────────
	m := metrics.New()
	state, err := wallet.Open(wallet.Config{
		Params:         params.Chain,
		Root:           params.RootHeader,
		RootHeight:     params.RootHeight,
		FinalityDepth:  cfg.Chain.FinalityDepth,
		MaxReorgDepth:  cfg.Chain.MaxReorgDepth,
		Keys:           hierarchy,
		Keystore:       ks,
		KeystoreName:   info.Name,
		DustLimit:      btcutil.Amount(cfg.Fee.DustLimit),
		DefaultFeeRate: cfg.Fee.DefaultRate,
		CompactEvery:   cfg.Sync.CompactEvery,
		Metrics:        m,
	}, storage.NewPrefixDB(db, walletPrefix))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open wallet: %w", err)
	}
	st := state.Status()
	logger.Info().
		Int32("height", st.Height).
		Int32("scan_height", st.ScanHeight).
		Int("coins", st.Coins).
		Msg("Wallet resumed from database")

	// ── 7. P2P ──────────────────────────────────────────────────────
	var p2pNode *p2p.Node
	if cfg.P2P.Enabled {
		p2pNode = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DB:         storage.NewPrefixDB(db, p2pPrefix),
			DHTServer:  cfg.P2P.DHTServer,
			Network:    params.Chain.Name,
			DataDir:    cfg.NetworkDir(),
		})
		p2pNode.SetGenesisHash(*params.Chain.GenesisHash)
		p2pNode.SetHeightFn(func() int32 {
			_, h := state.Tip()
			return h
		})
		// Serve our verified headers so other light clients can
		// bootstrap from us.
		if _, err := p2p.NewServer(p2pNode, state, 0); err != nil {
			state.Close()
			db.Close()
			return nil, fmt.Errorf("p2p server: %w", err)
		}
	} else {
		logger.Warn().Msg("P2P disabled by config; wallet will run offline")
	}

	// ── 8. Sync driver ──────────────────────────────────────────────
	peerCfg := netsync.PeerSetConfig{
		Timeout: cfg.Sync.PeerTimeout,
		Rate:    cfg.Sync.PeerRate,
	}
	if p2pNode != nil {
		peerCfg.Misbehaving = p2pNode.Misbehaving
	}
	peers := netsync.NewPeerSet(peerCfg)
	driver, err := netsync.New(netsync.Config{
		Peers:     peers,
		Sink:      state,
		Ticker:    ticker.New(cfg.Sync.PollInterval),
		BatchSize: cfg.Sync.BatchSize,
		Birth:     birth,
		Metrics:   m,
	})
	if err != nil {
		state.Close()
		db.Close()
		return nil, fmt.Errorf("create sync driver: %w", err)
	}
	state.Attach(driver)

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:      cfg,
		params:   params,
		logger:   logger,
		db:       db,
		keystore: ks,
		wallet:   state,
		metrics:  m,
		p2pNode:  p2pNode,
		peers:    peers,
		driver:   driver,
		ctx:      ctx,
		cancel:   cancel,
	}

	if p2pNode != nil {
		p2pNode.SetPeerHandlers(n.peerReady, n.peerGone)
		p2pNode.SetTxHandler(func(from peer.ID, tx *wire.MsgTx) error {
			err := driver.HandleTx(n.ctx, tx)
			if errors.Is(err, errs.Validation) {
				p2pNode.Misbehaving(from.String(), err)
			}
			return err
		})
		if err := p2pNode.Start(); err != nil {
			n.Stop()
			return nil, fmt.Errorf("start P2P: %w", err)
		}
		if cfg.P2P.ClearBans {
			p2pNode.BanManager.ClearAll()
			logger.Info().Msg("Peer bans cleared")
		}
		logger.Info().
			Str("id", p2pNode.ID().String()).
			Int("port", cfg.P2P.Port).
			Bool("discovery", !cfg.P2P.NoDiscover).
			Msg("P2P node started")
	}

	// ── 9. RPC server ───────────────────────────────────────────────
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(rpcAddr, state, cfg.RPC)
		n.rpcServer.SetDriver(driver)
		if p2pNode != nil {
			n.rpcServer.SetP2P(p2pNode)
		}
		if err := n.rpcServer.Start(); err != nil {
			n.rpcServer = nil
			n.Stop()
			return nil, fmt.Errorf("start RPC at %s: %w", rpcAddr, err)
		}
		logger.Info().Str("addr", n.rpcServer.Addr()).Msg("RPC server started")
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	return n, nil
}

// peerReady hands block-serving peers to the sync driver until the
// configured number of sync connections is reached.
func (n *Node) peerReady(r *p2p.Remote) {
	if !r.ServesBlocks() {
		n.logger.Debug().Str("peer", r.ID()).Msg("Peer does not serve blocks, not syncing from it")
		return
	}
	if limit := n.cfg.P2P.Connections; limit > 0 && n.peers.Len() >= limit {
		return
	}
	n.peers.Add(r)
	n.metrics.SetPeers(n.peers.Len())
	n.driver.Trigger()
}

func (n *Node) peerGone(id peer.ID) {
	n.peers.Remove(id.String())
	n.metrics.SetPeers(n.peers.Len())
}

// Start launches background goroutines: the sync loop and the metrics
// endpoint.
func (n *Node) Start() error {
	if n.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", n.metrics.Handler())
		n.metricsServer = &http.Server{
			Addr:              n.cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error().Err(err).Str("addr", n.cfg.Metrics.Addr).Msg("Metrics server failed")
			}
		}()
		n.logger.Info().Str("addr", n.cfg.Metrics.Addr).Msg("Metrics endpoint enabled")
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.driver.Run(n.ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Error().Err(err).Msg("Sync driver stopped")
		}
	}()

	hash, height := n.wallet.Tip()
	n.logger.Info().
		Int32("height", height).
		Str("tip", hash.String()[:16]+"...").
		Msg("Node started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	if n.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = n.metricsServer.Shutdown(ctx)
		cancel()
	}
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.wallet != nil {
		n.wallet.Close()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// P2PAddrs returns the full multiaddrs peers can dial, or nil when P2P is
// disabled.
func (n *Node) P2PAddrs() []string {
	if n.p2pNode == nil {
		return nil
	}
	return n.p2pNode.Addrs()
}

// Wallet returns the wallet state.
func (n *Node) Wallet() *wallet.State { return n.wallet }

// Driver returns the sync driver.
func (n *Node) Driver() *netsync.Driver { return n.driver }
