// Package wallet ties the key hierarchy, chain view, ledger and entry log
// into one crash-safe state with a single writer.
//
// Every mutation runs on the writer goroutine: entries are planned against
// the committed state, appended to the log, and only then applied in
// memory. Readers take a read lock on the committed state and never wait
// for the network.
package wallet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-spv/internal/chain"
	"github.com/Klingon-tech/klingnet-spv/internal/errs"
	"github.com/Klingon-tech/klingnet-spv/internal/keys"
	"github.com/Klingon-tech/klingnet-spv/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/internal/metrics"
	"github.com/Klingon-tech/klingnet-spv/internal/persist"
	"github.com/Klingon-tech/klingnet-spv/internal/storage"
	"github.com/Klingon-tech/klingnet-spv/internal/txbuilder"
)

var (
	// ErrStateDegraded is returned for every mutation after a failed append.
	ErrStateDegraded = errs.New(errs.Resource, "wallet state degraded, reopen required")
	ErrClosed        = errs.New(errs.Resource, "wallet closed")
	ErrWrongWallet   = errs.New(errs.Resource, "database belongs to a different wallet")
	ErrRescanPruned  = errs.New(errs.Validation, "rescan height below pruned headers")
)

// Storage namespaces inside the caller's database.
var (
	logPrefix  = []byte("log/")
	metaPrefix = []byte("meta/")

	scanKey    = []byte("scan")
	accountKey = []byte("account")
)

// Config configures a State.
type Config struct {
	Params     *chaincfg.Params
	Root       wire.BlockHeader
	RootHeight int32

	FinalityDepth int32
	MaxReorgDepth int32

	// Keys is the account hierarchy, usually watch-only. Watermarks are
	// restored from the log on Open.
	Keys *keys.Hierarchy
	// Keystore and KeystoreName locate the sealed seed used by Send.
	Keystore     *keys.Keystore
	KeystoreName string

	DustLimit      btcutil.Amount
	DefaultFeeRate int64
	// CompactEvery compacts the log once this many entries follow the
	// snapshot. Zero disables automatic compaction.
	CompactEvery int

	Metrics *metrics.Metrics
}

// Network is the part of the sync driver the wallet calls back into.
type Network interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
	Trigger()
}

type request struct {
	fn   func() error
	done chan error
}

// State is an open wallet.
type State struct {
	cfg    Config
	logger zerolog.Logger

	log  *persist.Log
	meta storage.DB

	// mu orders readers against the writer's apply step so queries see
	// the view and the ledger at the same log position.
	mu     sync.RWMutex
	view   *chain.View
	ledger *ledger.Ledger
	keys   *keys.Hierarchy
	scan   int32

	netMu sync.RWMutex
	net   Network

	// Written by the writer only.
	degraded   error
	isDegraded atomic.Bool

	reqs      chan request
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open loads the wallet stored in db and starts its writer. db is not
// closed by Close.
func Open(cfg Config, db storage.DB) (*State, error) {
	if cfg.Params == nil || cfg.Keys == nil {
		return nil, fmt.Errorf("wallet: params and keys are required")
	}
	if cfg.FinalityDepth <= 0 {
		cfg.FinalityDepth = chain.DefaultFinalityDepth
	}
	if cfg.MaxReorgDepth <= 0 {
		cfg.MaxReorgDepth = chain.MaxReorgDepth
	}
	if cfg.DustLimit <= 0 {
		cfg.DustLimit = txbuilder.DefaultDustLimit
	}

	view, err := chain.New(chain.Config{
		Params:        cfg.Params,
		Root:          cfg.Root,
		RootHeight:    cfg.RootHeight,
		MaxReorgDepth: cfg.MaxReorgDepth,
		FinalityDepth: cfg.FinalityDepth,
	})
	if err != nil {
		return nil, err
	}
	logger := klog.Wallet
	if cfg.KeystoreName != "" {
		logger = klog.WithWallet("wallet", cfg.KeystoreName)
	}
	s := &State{
		cfg:    cfg,
		logger: logger,
		meta:   storage.NewPrefixDB(db, metaPrefix),
		view:   view,
		ledger: ledger.New(cfg.Keys, cfg.FinalityDepth),
		keys:   cfg.Keys,
		scan:   cfg.RootHeight,
		reqs:   make(chan request),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := s.checkAccount(); err != nil {
		return nil, err
	}
	if s.log, err = persist.Open(storage.NewPrefixDB(db, logPrefix)); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	go s.run()
	s.updateGauges()
	return s, nil
}

// checkAccount binds the database to the hierarchy's account on first use.
func (s *State) checkAccount() error {
	xpub := s.keys.AccountXPub()
	stored, err := s.meta.Get(accountKey)
	if errors.Is(err, storage.ErrNotFound) {
		return s.meta.Put(accountKey, []byte(xpub))
	}
	if err != nil {
		return fmt.Errorf("read account: %w", err)
	}
	if string(stored) != xpub {
		return ErrWrongWallet
	}
	return nil
}

// load restores the snapshot and replays the log tail.
func (s *State) load() error {
	defer klog.Benchmark("wallet replay")()

	snap, err := s.log.Snapshot()
	if err != nil {
		return err
	}
	if snap != nil {
		if err := s.view.Restore(snap.Chain); err != nil {
			return fmt.Errorf("restore chain: %w", err)
		}
		if err := s.ledger.Restore(snap.Ledger); err != nil {
			return fmt.Errorf("restore ledger: %w", err)
		}
		for _, w := range snap.Watermarks {
			if err := s.keys.SetWatermark(w.Purpose, w.Next); err != nil {
				return err
			}
		}
	}

	var replayed int
	err = s.log.Replay(func(e persist.Entry) error {
		replayed++
		if err := s.apply(e.Payload); err != nil {
			return fmt.Errorf("entry %d (%s): %w", e.Seq, e.Payload.Kind(), err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	scan, err := s.readScan()
	if err != nil {
		return err
	}
	_, tip := s.view.Tip()
	switch {
	case scan > tip:
		scan = tip
	case scan < s.view.Base():
		s.logger.Warn().
			Int32("scan", scan).
			Int32("base", s.view.Base()).
			Msg("Scan height below pruned headers, resuming at base")
		scan = s.view.Base()
	}
	s.scan = scan

	coins, txs := s.ledger.Len()
	s.logger.Info().
		Int32("tip", tip).
		Int32("scan", s.scan).
		Int("replayed", replayed).
		Int("coins", coins).
		Int("txs", txs).
		Msg("Wallet loaded")
	return nil
}

func (s *State) readScan() (int32, error) {
	v, err := s.meta.Get(scanKey)
	if errors.Is(err, storage.ErrNotFound) {
		return s.cfg.RootHeight, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read scan height: %w", err)
	}
	if len(v) != 4 {
		return 0, fmt.Errorf("%w: scan height is %d bytes", persist.ErrCorruptEntry, len(v))
	}
	return int32(binary.BigEndian.Uint32(v)), nil
}

// setScan persists the scan height, then updates it in memory.
func (s *State) setScan(height int32) error {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], uint32(height))
	if err := s.meta.Put(scanKey, v[:]); err != nil {
		return s.degrade(fmt.Errorf("write scan height: %w", err))
	}
	s.mu.Lock()
	s.scan = height
	s.mu.Unlock()
	return nil
}

// Close stops the writer. Pending mutations fail with ErrClosed.
func (s *State) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
		s.logger.Debug().Msg("Wallet closed")
	})
}

// Attach sets the network used by Send and Rescan.
func (s *State) Attach(n Network) {
	s.netMu.Lock()
	s.net = n
	s.netMu.Unlock()
}

func (s *State) network() Network {
	s.netMu.RLock()
	defer s.netMu.RUnlock()
	return s.net
}

func (s *State) run() {
	defer close(s.done)
	for {
		select {
		case r := <-s.reqs:
			r.done <- s.exec(r.fn)
		case <-s.quit:
			return
		}
	}
}

func (s *State) exec(fn func() error) error {
	if s.degraded != nil {
		return fmt.Errorf("%w: %v", ErrStateDegraded, s.degraded)
	}
	return fn()
}

// do runs fn on the writer and waits for it. Once the writer has taken fn
// it runs to completion even if ctx is cancelled.
func (s *State) do(ctx context.Context, fn func() error) error {
	r := request{fn: fn, done: make(chan error, 1)}
	select {
	case s.reqs <- r:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-r.done
}

func (s *State) degrade(err error) error {
	s.degraded = err
	s.isDegraded.Store(true)
	s.logger.Error().Err(err).Msg("Wallet state degraded")
	return err
}

// commit appends payloads and applies them. It must run on the writer.
func (s *State) commit(payloads []persist.Payload) error {
	if len(payloads) == 0 {
		return nil
	}
	if _, err := s.log.Append(payloads...); err != nil {
		return s.degrade(err)
	}
	s.cfg.Metrics.AddAppends(len(payloads))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range payloads {
		if err := s.apply(p); err != nil {
			return s.degrade(fmt.Errorf("apply %s: %w", p.Kind(), err))
		}
	}
	return nil
}

// apply folds one durable payload into memory. Replay and commit share it.
func (s *State) apply(p persist.Payload) error {
	if err := s.view.Apply(p); err != nil {
		return err
	}
	if err := s.ledger.Apply(p); err != nil {
		return err
	}
	switch e := p.(type) {
	case *persist.CoinCreated:
		_, err := s.keys.MarkUsed(e.Path)
		return err
	case *persist.WatermarkAdvanced:
		return s.keys.SetWatermark(e.Purpose, e.Next)
	}
	return nil
}

func (s *State) updateGauges() {
	if s.cfg.Metrics == nil {
		return
	}
	s.mu.RLock()
	_, tip := s.view.Tip()
	b := s.ledger.Balance(tip)
	s.mu.RUnlock()
	s.cfg.Metrics.SetTip(tip)
	s.cfg.Metrics.SetBalance(int64(b.Confirmed), int64(b.Pending()))
}

// Status is a summary of the committed state.
type Status struct {
	TipHash    string
	Height     int32
	ScanHeight int32
	Base       int32
	LogSeq     uint64
	LogTail    int
	Coins      int
	Txs        int
	WatchOnly  bool
	Degraded   bool
	Watermarks map[string]uint32
	Timestamp  time.Time
}

// Status returns a summary of the committed state.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, height := s.view.Tip()
	coins, txs := s.ledger.Len()
	st := Status{
		TipHash:    hash.String(),
		Height:     height,
		ScanHeight: s.scan,
		Base:       s.view.Base(),
		LogSeq:     s.log.LastSeq(),
		LogTail:    s.log.TailLen(),
		Coins:      coins,
		Txs:        txs,
		WatchOnly:  s.keys.IsWatchOnly(),
		Degraded:   s.isDegraded.Load(),
		Watermarks: make(map[string]uint32, len(keys.Purposes)),
		Timestamp:  s.view.TipHeader().Timestamp,
	}
	for _, p := range keys.Purposes {
		st.Watermarks[p.String()] = s.keys.Watermark(p)
	}
	return st
}
