package wallet

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/Klingon-tech/klingnet-spv/internal/errs"
	"github.com/Klingon-tech/klingnet-spv/internal/keys"
	"github.com/Klingon-tech/klingnet-spv/internal/ledger"
	"github.com/Klingon-tech/klingnet-spv/internal/netsync"
	"github.com/Klingon-tech/klingnet-spv/internal/netsync/synctest"
	"github.com/Klingon-tech/klingnet-spv/internal/persist"
	"github.com/Klingon-tech/klingnet-spv/internal/storage"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var regtest = &chaincfg.RegressionNetParams

func testSeed(t testing.TB) []byte {
	t.Helper()
	seed, err := keys.SeedFromMnemonic(testMnemonic, "")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return seed
}

// signingKeys is the private hierarchy behind testMnemonic. It is built once
// per test binary; DeriveKey and PrivateKey do not touch its watermarks.
var signingKeys = struct {
	once sync.Once
	h    *keys.Hierarchy
	err  error
}{}

func testKeys(t testing.TB) *keys.Hierarchy {
	t.Helper()
	signingKeys.once.Do(func() {
		seed, err := keys.SeedFromMnemonic(testMnemonic, "")
		if err != nil {
			signingKeys.err = err
			return
		}
		signingKeys.h, signingKeys.err = keys.NewHierarchy(seed, regtest, 0, 1)
	})
	if signingKeys.err != nil {
		t.Fatalf("hierarchy: %v", signingKeys.err)
	}
	return signingKeys.h
}

// watchOnly returns a fresh public hierarchy, as the daemon builds from the
// keystore's xpub on every start.
func watchOnly(t testing.TB) *keys.Hierarchy {
	t.Helper()
	return watchOnlyWindow(t, 20)
}

func watchOnlyWindow(t testing.TB, lookahead uint32) *keys.Hierarchy {
	t.Helper()
	h, err := keys.NewWatchOnly(testKeys(t).AccountXPub(), regtest, 0, lookahead)
	if err != nil {
		t.Fatalf("watch-only: %v", err)
	}
	return h
}

func testConfig(t testing.TB) Config {
	return Config{
		Params:         regtest,
		Root:           regtest.GenesisBlock.Header,
		FinalityDepth:  6,
		Keys:           watchOnly(t),
		DefaultFeeRate: 2,
	}
}

func openState(t testing.TB, db storage.DB, cfg Config) *State {
	t.Helper()
	s, err := Open(cfg, db)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func script(t testing.TB, purpose keys.Purpose, index uint32) []byte {
	t.Helper()
	h := testKeys(t)
	k, err := h.DeriveKey(h.Path(purpose, index))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return k.PkScript
}

// signSpend signs every input of tx that spends one of coins.
func signSpend(t testing.TB, tx *wire.MsgTx, coins ...ledger.Coin) {
	t.Helper()
	byOutPoint := make(map[wire.OutPoint]ledger.Coin, len(coins))
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(coins))
	for _, c := range coins {
		byOutPoint[c.OutPoint] = c
		prevOuts[c.OutPoint] = wire.NewTxOut(int64(c.Value), c.PkScript)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		c, ok := byOutPoint[in.PreviousOutPoint]
		if !ok {
			continue
		}
		priv, err := testKeys(t).PrivateKey(c.Path)
		if err != nil {
			t.Fatalf("key for %s: %v", c.Path, err)
		}
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, int64(c.Value),
			c.PkScript, txscript.SigHashAll, priv, true)
		if err != nil {
			t.Fatalf("sign input %d: %v", i, err)
		}
		tx.TxIn[i].Witness = witness
	}
}

func payTo(nonce uint32, value int64, pkScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0xab}, Index: nonce}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

// harness connects a state to an in-memory chain through a real driver.
type harness struct {
	t     testing.TB
	db    *storage.MemoryDB
	cfg   Config
	chain *synctest.Chain
	src   *synctest.Source
	s     *State
	d     *netsync.Driver
	batch int
	// lookahead sizes the hierarchy rebuilt on every reopen.
	lookahead uint32
}

func newHarness(t testing.TB, cfg Config) *harness {
	t.Helper()
	return newHarnessWindow(t, cfg, 20)
}

func newHarnessWindow(t testing.TB, cfg Config, lookahead uint32) *harness {
	t.Helper()
	c := synctest.NewChain(t, regtest)
	h := &harness{
		t:         t,
		db:        storage.NewMemory(),
		cfg:       cfg,
		chain:     c,
		src:       synctest.NewSource("peer", c),
		batch:     50,
		lookahead: lookahead,
	}
	h.reopen()
	return h
}

// reopen closes the current state, if any, and opens a new one on the same
// database with a fresh hierarchy and driver.
func (h *harness) reopen() {
	h.t.Helper()
	if h.s != nil {
		h.s.Close()
	}
	cfg := h.cfg
	cfg.Keys = watchOnlyWindow(h.t, h.lookahead)
	h.s = openState(h.t, h.db, cfg)
	h.connect(h.src)
}

func (h *harness) connect(sources ...netsync.Source) {
	h.t.Helper()
	peers := netsync.NewPeerSet(netsync.PeerSetConfig{Timeout: time.Second})
	for _, src := range sources {
		peers.Add(src)
	}
	d, err := netsync.New(netsync.Config{
		Peers:     peers,
		Sink:      h.s,
		Ticker:    ticker.NewForce(time.Hour),
		BatchSize: h.batch,
	})
	if err != nil {
		h.t.Fatalf("driver: %v", err)
	}
	h.d = d
	h.s.Attach(d)
}

func (h *harness) sync() {
	h.t.Helper()
	if err := h.d.SyncOnce(context.Background()); err != nil {
		h.t.Fatalf("SyncOnce: %v", err)
	}
}

// mine mines one block, paying value to the external key at index when
// value is positive.
func (h *harness) mine(nonce uint32, value int64, index uint32) *wire.MsgTx {
	h.t.Helper()
	if value <= 0 {
		h.chain.Mine(h.t)
		return nil
	}
	tx := payTo(nonce, value, script(h.t, keys.External, index))
	h.chain.Mine(h.t, tx)
	return tx
}

// observed captures everything a reader can see.
type observed struct {
	Coins      interface{}
	Balances   interface{}
	History    interface{}
	Tip        chainhash.Hash
	Height     int32
	Scan       int32
	Watermarks map[string]uint32
}

func observe(s *State) observed {
	st := s.Status()
	tip, height := s.Tip()
	return observed{
		Coins:      s.Coins(),
		Balances:   s.Balances(),
		History:    s.History(),
		Tip:        tip,
		Height:     height,
		Scan:       st.ScanHeight,
		Watermarks: st.Watermarks,
	}
}

func TestSyncRecordsPayments(t *testing.T) {
	h := newHarness(t, testConfig(t))
	for i := int32(1); i <= 20; i++ {
		switch i {
		case 7:
			h.mine(1, 10_000, 0)
		case 15:
			h.mine(2, 20_000, 1)
		default:
			h.mine(0, 0, 0)
		}
	}
	h.sync()

	if _, height := h.s.Tip(); height != 20 {
		t.Fatalf("tip = %d, want 20", height)
	}
	if got := h.s.ScanHeight(); got != 20 {
		t.Fatalf("scan height = %d, want 20", got)
	}
	total, confirmed := h.s.Balance()
	if total != 30_000 || confirmed != 30_000 {
		t.Fatalf("balance = (%d, %d), want (30000, 30000)", total, confirmed)
	}
	if got := h.s.Status().Watermarks[keys.External.String()]; got != 2 {
		t.Fatalf("external watermark = %d, want 2", got)
	}
	if got := len(h.s.History()); got != 2 {
		t.Fatalf("history has %d entries, want 2", got)
	}
}

func TestImmatureUntilFinal(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.mine(1, 5_000, 0)
	h.chain.MineEmpty(t, 3)
	h.sync()

	b := h.s.Balances()
	if b.Confirmed != 0 || b.Immature != 5_000 {
		t.Fatalf("balance at depth 4 = %+v", b)
	}
	h.chain.MineEmpty(t, 2)
	h.sync()
	if got := h.s.ConfirmedBalance(); got != 5_000 {
		t.Fatalf("confirmed at depth 6 = %d, want 5000", got)
	}
}

func TestReplayReproducesState(t *testing.T) {
	h := newHarness(t, testConfig(t))
	for i := uint32(1); i <= 12; i++ {
		if i%4 == 0 {
			h.mine(i, int64(i)*1_000, i/4)
		} else {
			h.mine(0, 0, 0)
		}
	}
	h.sync()
	if _, err := h.s.DepositAddress(context.Background()); err != nil {
		t.Fatalf("DepositAddress: %v", err)
	}
	if err := h.s.SubmitUnconfirmed(context.Background(), payTo(99, 777, script(t, keys.External, 9))); err != nil {
		t.Fatalf("SubmitUnconfirmed: %v", err)
	}
	before := observe(h.s)

	h.reopen()
	if got := observe(h.s); !reflect.DeepEqual(got, before) {
		t.Fatalf("state after replay:\n%+v\nwant\n%+v", got, before)
	}

	if err := h.s.Compact(context.Background()); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if tail := h.s.Status().LogTail; tail != 0 {
		t.Fatalf("tail after compaction = %d", tail)
	}
	h.reopen()
	if got := observe(h.s); !reflect.DeepEqual(got, before) {
		t.Fatalf("state after snapshot load:\n%+v\nwant\n%+v", got, before)
	}

	h.reopen()
	if got := observe(h.s); !reflect.DeepEqual(got, before) {
		t.Fatal("second reopen changed the state")
	}
}

func TestReorgDemotesCoins(t *testing.T) {
	h := newHarness(t, testConfig(t))
	a := h.chain
	for i := int32(1); i <= 10; i++ {
		switch i {
		case 3:
			h.mine(3, 10_000, 0)
		case 8:
			h.mine(8, 20_000, 1)
		default:
			h.mine(0, 0, 0)
		}
	}
	h.sync()
	if total, confirmed := h.s.Balance(); total != 30_000 || confirmed != 10_000 {
		t.Fatalf("balance on A = (%d, %d), want (30000, 10000)", total, confirmed)
	}
	onlyA := wire.OutPoint{Hash: a.BlockAt(8).Transactions[1].TxHash()}

	b := a.Fork(t, 5)
	b.Mine(t, payTo(6, 40_000, script(t, keys.External, 2)))
	b.MineEmpty(t, 6)
	h.src.SetChain(b)
	h.sync()

	tip, height := h.s.Tip()
	wantTip, _ := b.Tip()
	if height != 12 || tip != wantTip {
		t.Fatalf("tip = %s@%d, want %s@12", tip, height, wantTip)
	}
	if got := h.s.ConfirmedBalance(); got != 50_000 {
		t.Fatalf("confirmed after reorg = %d, want 50000", got)
	}
	if _, ok := h.s.Coin(onlyA); ok {
		t.Fatal("coin confirmed only on A still exists")
	}
	if got := h.s.ScanHeight(); got != 12 {
		t.Fatalf("scan height = %d, want 12", got)
	}

	before := observe(h.s)
	h.reopen()
	if got := observe(h.s); !reflect.DeepEqual(got, before) {
		t.Fatal("replay after reorg differs")
	}
}

func TestReorgKeepsUnconfirmedSeen(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.chain.MineEmpty(t, 4)
	h.sync()

	tx := payTo(1, 15_000, script(t, keys.External, 0))
	if err := h.s.SubmitUnconfirmed(context.Background(), tx); err != nil {
		t.Fatalf("SubmitUnconfirmed: %v", err)
	}
	a := h.chain
	a.Mine(t, tx)
	h.sync()

	b := a.Fork(t, 4)
	b.MineEmpty(t, 2)
	h.src.SetChain(b)
	h.sync()

	c, ok := h.s.Coin(wire.OutPoint{Hash: tx.TxHash()})
	if !ok {
		t.Fatal("coin seen unconfirmed vanished on reorg")
	}
	if c.Confirmed() {
		t.Fatalf("coin still confirmed at %d", c.Height)
	}
	if got := h.s.PendingBalance(); got != 15_000 {
		t.Fatalf("pending = %d, want 15000", got)
	}
}

func TestUnconfirmedSpendNeedsSignature(t *testing.T) {
	h := newHarness(t, testConfig(t))
	fund := h.mine(1, 10_000, 0)
	h.chain.MineEmpty(t, 7)
	h.sync()
	if got := h.s.ConfirmedBalance(); got != 10_000 {
		t.Fatalf("confirmed = %d, want 10000", got)
	}
	coin, ok := h.s.Coin(wire.OutPoint{Hash: fund.TxHash()})
	if !ok {
		t.Fatal("funding coin missing")
	}

	forged := wire.NewMsgTx(2)
	forged.AddTxIn(wire.NewTxIn(&coin.OutPoint, nil, nil))
	forged.AddTxOut(wire.NewTxOut(9_000, foreignScript))
	err := h.s.SubmitUnconfirmed(context.Background(), forged)
	if !errors.Is(err, errs.ErrSignatureFailure) {
		t.Fatalf("unsigned spend = %v, want ErrSignatureFailure", err)
	}
	if !errors.Is(err, errs.Validation) {
		t.Errorf("class = %v, want validation", errs.ClassOf(err))
	}

	// A signature over different outputs does not verify either.
	tampered := forged.Copy()
	signSpend(t, tampered, coin)
	tampered.TxOut[0].Value = 9_500
	if err := h.s.SubmitUnconfirmed(context.Background(), tampered); !errors.Is(err, errs.ErrSignatureFailure) {
		t.Fatalf("tampered spend = %v, want ErrSignatureFailure", err)
	}
	if got := h.s.ConfirmedBalance(); got != 10_000 {
		t.Fatalf("confirmed after rejected spends = %d, want 10000", got)
	}
	if n := len(h.s.History()); n != 1 {
		t.Fatalf("history has %d transactions, want only the funding one", n)
	}

	signed := forged.Copy()
	signSpend(t, signed, coin)
	if err := h.s.SubmitUnconfirmed(context.Background(), signed); err != nil {
		t.Fatalf("signed spend: %v", err)
	}
	if got := h.s.Balances().Total(); got != 0 {
		t.Fatalf("total after signed spend = %d, want 0", got)
	}
}

func TestCrashRecoveryResumesAfterLoggedHeaders(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	h.chain.MineEmpty(t, 30)
	h.batch = 5
	h.connect(h.src)

	// The peer drops after two batches of five.
	h.src.LimitHeaders(10)
	err := h.d.SyncOnce(context.Background())
	if !errors.Is(err, netsync.ErrSyncStalled) {
		t.Fatalf("SyncOnce = %v, want ErrSyncStalled", err)
	}
	if _, height := h.s.Tip(); height != 10 {
		t.Fatalf("tip before restart = %d, want 10", height)
	}

	h.s.Close()
	cfg.Keys = watchOnly(t)
	s := openState(t, h.db, cfg)
	if _, height := s.Tip(); height != 10 {
		t.Fatalf("tip after restart = %d, want 10", height)
	}
	h.s = s
	fresh := synctest.NewSource("fresh", h.chain)
	h.connect(fresh)
	h.sync()

	locators := fresh.Locators()
	if len(locators) == 0 {
		t.Fatal("no header requests after restart")
	}
	if want := h.chain.BlockAt(10).BlockHash(); locators[0][0] != want {
		t.Fatalf("first request starts after %s, want %s (height 10)", locators[0][0], want)
	}
	if _, height := s.Tip(); height != 30 {
		t.Fatalf("tip after resume = %d, want 30", height)
	}
	if got := s.ScanHeight(); got != 30 {
		t.Fatalf("scan height after resume = %d, want 30", got)
	}
}

func TestDegradedAfterFailedAppend(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()

	h.db.SetWriteError(errors.New("disk full"))
	_, err := h.s.DepositAddress(ctx)
	if !errors.Is(err, persist.ErrAppendFailed) {
		t.Fatalf("DepositAddress = %v, want ErrAppendFailed", err)
	}
	h.db.SetWriteError(nil)

	_, err = h.s.DepositAddress(ctx)
	if !errors.Is(err, ErrStateDegraded) {
		t.Fatalf("after failure: %v, want ErrStateDegraded", err)
	}
	if errs.ClassOf(err) != errs.Resource {
		t.Fatalf("class = %v, want resource", errs.ClassOf(err))
	}
	if !h.s.Status().Degraded {
		t.Fatal("status does not report degraded")
	}
	if got := h.s.Status().Watermarks[keys.External.String()]; got != 0 {
		t.Fatalf("watermark moved to %d without a durable entry", got)
	}

	h.reopen()
	if _, err := h.s.DepositAddress(ctx); err != nil {
		t.Fatalf("after reopen: %v", err)
	}
}

func TestDepositAddress(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()
	ref := watchOnly(t)

	for i := uint32(0); i < 2; i++ {
		addr, err := h.s.DepositAddress(ctx)
		if err != nil {
			t.Fatalf("DepositAddress: %v", err)
		}
		want, _ := ref.DeriveKey(ref.Path(keys.External, i))
		if addr.String() != want.Address.String() {
			t.Fatalf("address %d = %s, want %s", i, addr, want.Address)
		}
	}

	h.reopen()
	addr, err := h.s.DepositAddress(ctx)
	if err != nil {
		t.Fatalf("DepositAddress: %v", err)
	}
	want, _ := ref.DeriveKey(ref.Path(keys.External, 2))
	if addr.String() != want.Address.String() {
		t.Fatalf("address after reopen = %s, want index 2 (%s)", addr, want.Address)
	}
}

func TestRescan(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.mine(0, 0, 0)
	h.mine(2, 8_000, 0)
	h.chain.MineEmpty(t, 8)
	h.sync()
	before := observe(h.s)
	filters := h.src.Calls(synctest.MethodFilter)

	if err := h.s.Rescan(context.Background(), 5); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if got := h.s.ScanHeight(); got != 4 {
		t.Fatalf("scan height after rescan = %d, want 4", got)
	}
	h.sync()
	if got := h.src.Calls(synctest.MethodFilter) - filters; got != 6 {
		t.Fatalf("rescan fetched %d filters, want 6", got)
	}
	if got := observe(h.s); !reflect.DeepEqual(got, before) {
		t.Fatal("rescan changed the state")
	}
}

func TestCompactPrunesHeaders(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxReorgDepth = 5
	h := newHarness(t, cfg)
	h.mine(1, 3_000, 0)
	h.chain.MineEmpty(t, 29)
	h.sync()

	if err := h.s.Compact(context.Background()); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if base := h.s.Status().Base; base != 25 {
		t.Fatalf("base = %d, want 25", base)
	}
	if err := h.s.Rescan(context.Background(), 3); !errors.Is(err, ErrRescanPruned) {
		t.Fatalf("Rescan below base = %v, want ErrRescanPruned", err)
	}

	h.reopen()
	if base := h.s.Status().Base; base != 25 {
		t.Fatalf("base after reopen = %d, want 25", base)
	}
	h.mine(2, 4_000, 1)
	h.sync()
	if total, _ := h.s.Balance(); total != 7_000 {
		t.Fatalf("balance = %d, want 7000", total)
	}
}

func TestAutoCompact(t *testing.T) {
	cfg := testConfig(t)
	cfg.CompactEvery = 10
	cfg.MaxReorgDepth = 3
	h := newHarness(t, cfg)
	h.chain.MineEmpty(t, 25)
	h.sync()
	// Headers the scan had not reached when compaction ran are kept.
	if base := h.s.Status().Base; base != 0 {
		t.Fatalf("base after first round = %d, want 0", base)
	}

	h.chain.MineEmpty(t, 15)
	h.sync()
	st := h.s.Status()
	if st.LogTail != 0 {
		t.Fatalf("tail = %d, automatic compaction did not run", st.LogTail)
	}
	if st.Base != 25 {
		t.Fatalf("base = %d, want 25", st.Base)
	}
}

func TestWrongWallet(t *testing.T) {
	db := storage.NewMemory()
	s := openState(t, db, testConfig(t))
	s.Close()

	other, err := keys.NewHierarchy(bytes.Repeat([]byte{1}, 32), regtest, 0, 5)
	if err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	cfg := testConfig(t)
	cfg.Keys = other
	if _, err := Open(cfg, db); !errors.Is(err, ErrWrongWallet) {
		t.Fatalf("Open = %v, want ErrWrongWallet", err)
	}
}

func TestClosed(t *testing.T) {
	s := openState(t, storage.NewMemory(), testConfig(t))
	s.Close()
	s.Close()
	if _, err := s.DepositAddress(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("DepositAddress after Close = %v, want ErrClosed", err)
	}
	// Queries keep working on a closed state.
	if total, _ := s.Balance(); total != btcutil.Amount(0) {
		t.Fatalf("balance = %d", total)
	}
}

func TestStaleBlock(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.chain.MineEmpty(t, 3)
	h.sync()

	err := h.s.SubmitBlock(context.Background(), 2, chainhash.Hash{1}, nil)
	if !errors.Is(err, netsync.ErrStaleBlock) {
		t.Fatalf("SubmitBlock with wrong hash = %v, want ErrStaleBlock", err)
	}
	if err := h.s.Rescan(context.Background(), 1); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	hdr, _ := h.s.HeaderByHeight(3)
	err = h.s.SubmitBlock(context.Background(), 3, hdr.BlockHash(), nil)
	if !errors.Is(err, netsync.ErrStaleBlock) {
		t.Fatalf("SubmitBlock past the scan height = %v, want ErrStaleBlock", err)
	}
}
