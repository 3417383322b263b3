package netsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-spv/internal/errs"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/internal/metrics"
)

// State is the driver's position in a sync round.
type State int32

const (
	StateIdle State = iota
	StateHeaders
	StateFilters
	StateSynced
	StateStalled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHeaders:
		return "headers"
	case StateFilters:
		return "filters"
	case StateSynced:
		return "synced"
	case StateStalled:
		return "stalled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Driver defaults.
const (
	DefaultBatchSize     = 2000
	DefaultPollInterval  = 30 * time.Second
	DefaultRetryInterval = 5 * time.Second
	maxProbes            = 8
	maxStaleRetries      = 3
)

// Config configures a Driver.
type Config struct {
	Peers *PeerSet
	Sink  Sink
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Ticker paces sync rounds. Defaults to ticker.New(DefaultPollInterval).
	Ticker ticker.Ticker
	// RetryInterval is the wait after a stalled round.
	RetryInterval time.Duration
	BatchSize     int
	// Birth skips filter matching for blocks timestamped before it.
	Birth   time.Time
	Metrics *metrics.Metrics
}

// Status is a point-in-time view of the driver.
type Status struct {
	State      State
	TipHash    chainhash.Hash
	Height     int32
	ScanHeight int32
	PeerHeight int32
	Peers      int
	LastSync   time.Time
	LastError  string
}

// Driver runs sync rounds against a PeerSet.
type Driver struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.RWMutex
	status Status

	kick chan struct{}
}

// New returns a driver. It does not start any goroutine.
func New(cfg Config) (*Driver, error) {
	if cfg.Peers == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("netsync: peers and sink are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(DefaultPollInterval)
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Driver{
		cfg:    cfg,
		logger: klog.Sync,
		kick:   make(chan struct{}, 1),
	}, nil
}

// Status returns the driver's latest status.
func (d *Driver) Status() Status {
	d.mu.RLock()
	s := d.status
	d.mu.RUnlock()
	s.TipHash, s.Height = d.cfg.Sink.Tip()
	s.ScanHeight = d.cfg.Sink.ScanHeight()
	s.Peers = d.cfg.Peers.Len()
	return s
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.status.State = s
	d.mu.Unlock()
}

// Trigger asks a running driver to start a round without waiting for the
// next tick.
func (d *Driver) Trigger() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run performs sync rounds until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	d.cfg.Ticker.Resume()
	defer d.cfg.Ticker.Stop()

	for {
		var wait <-chan time.Time
		if err := d.SyncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrSyncStalled) {
				wait = d.cfg.Clock.TickAfter(d.cfg.RetryInterval)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.cfg.Ticker.Ticks():
		case <-wait:
		case <-d.kick:
		}
	}
}

type peerTip struct {
	peer   *Peer
	hash   chainhash.Hash
	height int32
}

// pollTips asks every peer for its tip in parallel. Peers that fail are left
// out; the result is ordered by height, highest first.
func (d *Driver) pollTips(ctx context.Context, peers []*Peer) []peerTip {
	results := make([]*peerTip, len(peers))
	var g errgroup.Group
	g.SetLimit(maxProbes)
	for i, p := range peers {
		g.Go(func() error {
			type tip struct {
				hash   chainhash.Hash
				height int32
			}
			t, err := call(ctx, p, func(ctx context.Context, src Source) (tip, error) {
				h, n, err := src.Tip(ctx)
				return tip{h, n}, err
			})
			if err != nil {
				d.logger.Debug().Str("peer", p.ID()).Err(err).Msg("Tip poll failed")
				return nil
			}
			results[i] = &peerTip{peer: p, hash: t.hash, height: t.height}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]peerTip, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].height > out[j].height })
	return out
}

// SyncOnce runs one round: poll tips, then sync headers and filters from
// the best peer, rotating to the next on failure. It returns ErrSyncStalled
// when no peer could complete the round.
func (d *Driver) SyncOnce(ctx context.Context) error {
	peers := d.cfg.Peers.Available()
	d.cfg.Metrics.SetPeers(len(peers))
	tips := d.pollTips(ctx, peers)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var lastErr error
	if len(tips) > 0 {
		d.mu.Lock()
		d.status.PeerHeight = tips[0].height
		d.mu.Unlock()
	} else {
		lastErr = ErrNoPeers
	}

	for i, pt := range tips {
		if i > 0 {
			d.cfg.Metrics.Rotated()
			d.logger.Info().Str("peer", pt.peer.ID()).Err(lastErr).Msg("Rotating to next peer")
		}
		err := d.syncFrom(ctx, pt)
		if err == nil {
			d.finishRound(StateSynced, nil)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if errs.ClassOf(err) == errs.Validation {
			d.cfg.Metrics.Rejected()
			d.cfg.Peers.Penalize(pt.peer, err)
		}
	}

	d.cfg.Metrics.Stalled()
	err := fmt.Errorf("%w: %v", ErrSyncStalled, lastErr)
	d.finishRound(StateStalled, err)
	d.logger.Warn().Err(lastErr).Int("peers", len(peers)).Msg("Sync stalled")
	return err
}

func (d *Driver) finishRound(s State, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.State = s
	if err != nil {
		d.status.LastError = err.Error()
		return
	}
	d.status.LastError = ""
	d.status.LastSync = d.cfg.Clock.Now()
}

func (d *Driver) syncFrom(ctx context.Context, pt peerTip) error {
	for attempt := 0; ; attempt++ {
		if err := d.syncHeaders(ctx, pt.peer); err != nil {
			return err
		}
		err := d.scan(ctx, pt.peer)
		if errors.Is(err, ErrStaleBlock) && attempt < maxStaleRetries {
			continue
		}
		return err
	}
}

func (d *Driver) syncHeaders(ctx context.Context, p *Peer) error {
	d.setState(StateHeaders)
	for {
		locator := d.cfg.Sink.Locator()
		hdrs, err := call(ctx, p, func(ctx context.Context, src Source) ([]wire.BlockHeader, error) {
			return src.Headers(ctx, locator, d.cfg.BatchSize)
		})
		if err != nil {
			return fmt.Errorf("headers from %s: %w", p.ID(), err)
		}
		if len(hdrs) == 0 {
			return nil
		}
		if len(hdrs) > d.cfg.BatchSize {
			hdrs = hdrs[:d.cfg.BatchSize]
		}

		t, err := d.cfg.Sink.SubmitHeaders(ctx, hdrs)
		if t != nil && len(t.Reorgs) > 0 {
			d.cfg.Metrics.AddReorgs(len(t.Reorgs))
		}
		if err != nil {
			return fmt.Errorf("headers from %s: %w", p.ID(), err)
		}
		d.cfg.Metrics.SetTip(t.Tip)
		if t.Accepted == 0 || len(hdrs) < d.cfg.BatchSize {
			return nil
		}
	}
}
