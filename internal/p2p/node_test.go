package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-spv/internal/storage"
)

var regtestGenesis = *chaincfg.RegressionNetParams.GenesisHash

// startTestNode starts a loopback node on a random port. setup runs
// before Start.
func startTestNode(t *testing.T, setup func(*Node)) *Node {
	t.Helper()
	n := New(Config{
		ListenAddr: "127.0.0.1",
		Port:       0,
		NoDiscover: true,
		Network:    "regtest",
		DB:         storage.NewMemory(),
	})
	if setup != nil {
		setup(n)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

// readyChan installs peer handlers that report ready peers.
func readyChan(n *Node) chan *Remote {
	ch := make(chan *Remote, 8)
	n.SetPeerHandlers(func(r *Remote) { ch <- r }, nil)
	return ch
}

func connect(t *testing.T, from, to *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := from.Connect(ctx, to.Addrs()[0]); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func waitRemote(t *testing.T, ch chan *Remote) *Remote {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("peer never became ready")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNode_StartStop(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", NoDiscover: true, Network: "regtest"})
	if n.ID() != "" || n.Addrs() != nil {
		t.Error("unstarted node reports an identity")
	}
	if err := n.PublishTx(wire.NewMsgTx(2)); !errors.Is(err, errNotStarted) {
		t.Errorf("PublishTx before Start: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n.ID() == "" || len(n.Addrs()) == 0 {
		t.Error("started node has no identity")
	}
	if err := n.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestNode_PersistentIdentity(t *testing.T) {
	dir := t.TempDir()
	start := func() peer.ID {
		n := New(Config{ListenAddr: "127.0.0.1", NoDiscover: true, Network: "regtest", DataDir: dir})
		if err := n.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer n.Stop()
		return n.ID()
	}
	if a, b := start(), start(); a != b {
		t.Errorf("identity changed across restarts: %s then %s", a, b)
	}
}

func TestValidateHandshake(t *testing.T) {
	n := New(Config{Network: "regtest"})
	n.SetGenesisHash(regtestGenesis)
	n.SetHeightFn(func() int32 { return 42 })

	good := n.buildHandshakeMessage()
	if good.BestHeight != 42 || good.Services&ServiceRelay == 0 {
		t.Fatalf("built handshake = %+v", good)
	}

	tests := []struct {
		name   string
		mutate func(*HandshakeMessage)
		ok     bool
	}{
		{"valid", func(*HandshakeMessage) {}, true},
		{"other genesis", func(m *HandshakeMessage) { m.Genesis = chaincfg.MainNetParams.GenesisHash.String() }, false},
		{"other network", func(m *HandshakeMessage) { m.Network = "testnet3" }, false},
		{"old protocol", func(m *HandshakeMessage) { m.ProtocolVersion = 0 }, false},
		{"negative height", func(m *HandshakeMessage) { m.BestHeight = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := good
			tt.mutate(&msg)
			reason := n.validateHandshake(msg)
			if (reason == "") != tt.ok {
				t.Errorf("validateHandshake = %q, want ok=%v", reason, tt.ok)
			}
		})
	}
}

func TestHandshake_Compatible(t *testing.T) {
	var readyA, readyB chan *Remote
	a := startTestNode(t, func(n *Node) {
		n.SetGenesisHash(regtestGenesis)
		n.SetHeightFn(func() int32 { return 7 })
		readyA = readyChan(n)
	})
	b := startTestNode(t, func(n *Node) {
		n.SetGenesisHash(regtestGenesis)
		n.SetServices(ServiceBlocks)
		n.SetHeightFn(func() int32 { return 9 })
		readyB = readyChan(n)
	})
	connect(t, a, b)

	ra := waitRemote(t, readyA)
	if ra.PeerID() != b.ID() || !ra.ServesBlocks() {
		t.Errorf("dialer sees %s serves blocks=%v", ra.ID(), ra.ServesBlocks())
	}
	rb := waitRemote(t, readyB)
	if rb.PeerID() != a.ID() || rb.ServesBlocks() {
		t.Errorf("listener sees %s serves blocks=%v", rb.ID(), rb.ServesBlocks())
	}

	peers := a.PeerList()
	if len(peers) != 1 || !peers[0].Ready || peers[0].BestHeight != 9 {
		t.Errorf("peer list = %+v", peers)
	}
}

func TestHandshake_GenesisMismatch(t *testing.T) {
	a := startTestNode(t, func(n *Node) { n.SetGenesisHash(regtestGenesis) })
	b := startTestNode(t, func(n *Node) { n.SetGenesisHash(*chaincfg.TestNet3Params.GenesisHash) })
	connect(t, a, b)

	waitFor(t, "mismatched peer to be banned", func() bool {
		return a.BanManager.IsBanned(b.ID()) && b.BanManager.IsBanned(a.ID())
	})
	waitFor(t, "mismatched peer to be dropped", func() bool {
		return a.PeerCount() == 0 && b.PeerCount() == 0
	})

	// Banned peers are refused at the gater.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Connect(ctx, b.Addrs()[0]); err == nil {
		t.Error("reconnect to a banned peer succeeded")
	}
}

func TestNode_PeerGone(t *testing.T) {
	gone := make(chan peer.ID, 1)
	a := startTestNode(t, func(n *Node) {
		n.SetPeerHandlers(nil, func(id peer.ID) { gone <- id })
	})
	b := startTestNode(t, nil)
	connect(t, a, b)
	waitFor(t, "peer to register", func() bool { return a.PeerCount() == 1 })

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case id := <-gone:
		if id != b.ID() {
			t.Errorf("gone peer = %s, want %s", id, b.ID())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("disconnect not reported")
	}
	if a.PeerCount() != 0 {
		t.Errorf("PeerCount = %d after disconnect", a.PeerCount())
	}
}

func TestNode_Misbehaving(t *testing.T) {
	n := New(Config{Network: "regtest"})
	id := generateTestPeerID(t)

	n.Misbehaving(id.String(), errors.New("filter does not decode"))
	if n.BanManager.Score(id) != PenaltyInvalidData {
		t.Errorf("score = %d, want %d", n.BanManager.Score(id), PenaltyInvalidData)
	}
	n.Misbehaving(id.String(), errors.New("block does not match header"))
	if !n.BanManager.IsBanned(id) {
		t.Error("two invalid-data offenses should ban")
	}

	// Source IDs that are not peer IDs are ignored.
	n.Misbehaving("not-a-peer", errors.New("x"))
}

func TestNode_RelayTx(t *testing.T) {
	received := make(chan *wire.MsgTx, 4)
	var ready chan *Remote
	a := startTestNode(t, func(n *Node) { ready = readyChan(n) })
	b := startTestNode(t, func(n *Node) {
		n.SetTxHandler(func(_ peer.ID, tx *wire.MsgTx) error {
			received <- tx
			return nil
		})
	})
	connect(t, a, b)
	remote := waitRemote(t, ready)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0x01}}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := remote.Broadcast(ctx, tx); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	select {
	case got := <-received:
		if got.TxHash() != tx.TxHash() {
			t.Errorf("relayed %s, got %s", tx.TxHash(), got.TxHash())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relayed tx not delivered")
	}
}

func TestNode_RelayRejected(t *testing.T) {
	var ready chan *Remote
	a := startTestNode(t, func(n *Node) { ready = readyChan(n) })
	b := startTestNode(t, func(n *Node) {
		n.SetTxHandler(func(peer.ID, *wire.MsgTx) error { return errors.New("double spend") })
	})
	connect(t, a, b)
	remote := waitRemote(t, ready)

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	err := remote.Broadcast(context.Background(), tx)
	if !errors.Is(err, ErrRejected) {
		t.Errorf("Broadcast = %v, want ErrRejected", err)
	}
}

func TestNode_GossipTx(t *testing.T) {
	received := make(chan *wire.MsgTx, 4)
	a := startTestNode(t, nil)
	b := startTestNode(t, func(n *Node) {
		n.SetTxHandler(func(_ peer.ID, tx *wire.MsgTx) error {
			received <- tx
			return nil
		})
	})
	connect(t, a, b)
	waitFor(t, "topic mesh", func() bool {
		for _, id := range a.pubsub.ListPeers(TxTopic("regtest")) {
			if id == b.ID() {
				return true
			}
		}
		return false
	})

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(5000, []byte{0x51}))
	if err := a.PublishTx(tx); err != nil {
		t.Fatalf("PublishTx: %v", err)
	}
	select {
	case got := <-received:
		if got.TxHash() != tx.TxHash() {
			t.Errorf("gossiped %s, got %s", tx.TxHash(), got.TxHash())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("gossiped tx not delivered")
	}
}
