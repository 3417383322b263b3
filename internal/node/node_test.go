package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/keys"
	"github.com/Klingon-tech/klingnet-spv/internal/netsync/synctest"
	"github.com/Klingon-tech/klingnet-spv/internal/p2p"
	"github.com/Klingon-tech/klingnet-spv/internal/rpc"
	"github.com/Klingon-tech/klingnet-spv/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-spv/internal/storage"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var regtest = &chaincfg.RegressionNetParams

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		input, want string
	}{
		{"~/foo/bar", filepath.Join(home, "foo/bar")},
		{"~/.klingnet-spv/keystore", filepath.Join(home, ".klingnet-spv/keystore")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		got := expandHome(tt.input)
		if got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

// testConfig returns an offline regtest config rooted in a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(config.Regtest)
	cfg.DataDir = t.TempDir()
	cfg.Log.Level = "error"
	cfg.Log.File = filepath.Join(t.TempDir(), "node.log")
	cfg.P2P.Enabled = false
	cfg.RPC.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Sync.PollInterval = 100 * time.Millisecond
	return cfg
}

// createWallet writes a regtest keystore entry under cfg and returns the
// watch-only view of its account.
func createWallet(t *testing.T, cfg *config.Config, chain *chaincfg.Params) *keys.Hierarchy {
	t.Helper()
	seed, err := keys.SeedFromMnemonic(testMnemonic, "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic: %v", err)
	}
	ks, err := keys.NewKeystore(cfg.KeystoreDir())
	if err != nil {
		t.Fatalf("NewKeystore: %v", err)
	}
	fast := keys.KDFParams{Memory: 64, Iterations: 1, Parallelism: 1}
	info, err := ks.Create(cfg.Wallet.Keystore, seed, []byte("pw"), fast, chain, 0, time.Time{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h, err := keys.NewWatchOnly(info.AccountXPub, chain, 0, 0)
	if err != nil {
		t.Fatalf("NewWatchOnly: %v", err)
	}
	return h
}

func TestNew_MissingKeystore(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(cfg)
	if !errors.Is(err, ErrNoKeystore) {
		t.Fatalf("New = %v, want ErrNoKeystore", err)
	}
}

func TestNew_NetworkMismatch(t *testing.T) {
	cfg := testConfig(t)
	createWallet(t, cfg, &chaincfg.TestNet3Params)
	if _, err := New(cfg); err == nil {
		t.Fatal("testnet keystore accepted by a regtest node")
	}
}

func TestNew_BadRootHeader(t *testing.T) {
	cfg := testConfig(t)
	createWallet(t, cfg, regtest)
	cfg.Chain.RootHeader = "zz"
	if _, err := New(cfg); err == nil {
		t.Fatal("bad root header accepted")
	}
}

func TestNode_Offline(t *testing.T) {
	cfg := testConfig(t)
	createWallet(t, cfg, regtest)

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	if n.RPCAddr() != "" {
		t.Errorf("RPCAddr = %q with RPC disabled", n.RPCAddr())
	}
	if n.P2PAddrs() != nil {
		t.Errorf("P2PAddrs = %v with P2P disabled", n.P2PAddrs())
	}
	hash, height := n.Wallet().Tip()
	if height != 0 || hash != *regtest.GenesisHash {
		t.Errorf("fresh wallet tip = %s@%d, want genesis", hash, height)
	}
	if _, err := n.Wallet().DepositAddress(context.Background()); err != nil {
		t.Errorf("DepositAddress: %v", err)
	}
}

// servePayment starts a peer serving a regtest chain with one payment of
// value to script at height 1.
func servePayment(t *testing.T, script []byte, value int64) (*synctest.Chain, *p2p.Node) {
	t.Helper()
	chain := synctest.NewChain(t, regtest)
	pay := wire.NewMsgTx(2)
	pay.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0xab}}, nil, nil))
	pay.AddTxOut(wire.NewTxOut(value, script))
	chain.Mine(t, pay)
	chain.MineEmpty(t, 3)

	server := p2p.New(p2p.Config{
		ListenAddr: "127.0.0.1",
		NoDiscover: true,
		Network:    regtest.Name,
		DB:         storage.NewMemory(),
	})
	server.SetGenesisHash(*regtest.GenesisHash)
	server.SetHeightFn(chain.Height)
	if _, err := p2p.NewServer(server, chain, 0); err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return chain, server
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestNode_SyncFromPeer(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}
	cfg := testConfig(t)
	h := createWallet(t, cfg, regtest)
	recv, err := h.DeriveKey(h.Path(keys.External, 0))
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	chain, server := servePayment(t, recv.PkScript, 150_000)

	cfg.P2P.Enabled = true
	cfg.P2P.ListenAddr = "127.0.0.1"
	cfg.P2P.Port = 0
	cfg.P2P.Seeds = server.Addrs()
	cfg.RPC.Enabled = true
	cfg.RPC.Addr = "127.0.0.1"
	cfg.RPC.Port = 0

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start(); err != nil {
		n.Stop()
		t.Fatalf("Start: %v", err)
	}

	wantHash, wantHeight := chain.Tip()
	waitFor(t, "wallet to reach the peer's tip", func() bool {
		hash, height := n.Wallet().Tip()
		return height == wantHeight && hash == wantHash && n.Wallet().ScanHeight() == wantHeight
	})
	if got := n.Wallet().Balances().Confirmed; got != btcutil.Amount(150_000) {
		t.Errorf("confirmed balance = %d, want 150000", got)
	}

	client := rpcclient.New("http://" + n.RPCAddr())
	var bal rpc.BalanceResult
	if err := client.Call("wallet_getBalance", nil, &bal); err != nil {
		t.Fatalf("wallet_getBalance: %v", err)
	}
	if bal.Confirmed != "0.00150000" {
		t.Errorf("rpc confirmed = %s, want 0.00150000", bal.Confirmed)
	}
	var status rpc.SyncStatusResult
	if err := client.Call("sync_getStatus", nil, &status); err != nil {
		t.Fatalf("sync_getStatus: %v", err)
	}
	if status.Height != wantHeight || status.Peers != 1 {
		t.Errorf("sync status = %+v, want height %d with 1 peer", status, wantHeight)
	}
	n.Stop()

	// Reopen offline: the synced state comes back from the database.
	cfg.P2P.Enabled = false
	cfg.RPC.Enabled = false
	n, err = New(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer n.Stop()
	if _, height := n.Wallet().Tip(); height != wantHeight {
		t.Errorf("reopened tip height = %d, want %d", height, wantHeight)
	}
	if got := n.Wallet().Balances().Confirmed; got != btcutil.Amount(150_000) {
		t.Errorf("reopened confirmed balance = %d, want 150000", got)
	}
}
