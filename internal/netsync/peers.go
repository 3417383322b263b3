package netsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"

	"github.com/Klingon-tech/klingnet-spv/internal/errs"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
)

// ErrPeerUnavailable is returned for requests to a peer whose breaker is open.
var ErrPeerUnavailable = errs.New(errs.Network, "peer unavailable")

// Defaults for PeerSetConfig.
const (
	DefaultPeerTimeout     = 10 * time.Second
	DefaultBreakerCooldown = 30 * time.Second
	DefaultPeerRate        = 20
)

// PeerSetConfig tunes per-peer request handling.
type PeerSetConfig struct {
	// Timeout bounds every request.
	Timeout time.Duration
	// Cooldown is how long a tripped peer is skipped.
	Cooldown time.Duration
	// Rate is the request budget per peer per second.
	Rate int
	// Misbehaving is called with peers that sent invalid data.
	Misbehaving func(id string, err error)
}

// Peer is a Source guarded by a circuit breaker and a rate limiter.
type Peer struct {
	src     Source
	breaker *gobreaker.CircuitBreaker
	limiter ratelimit.Limiter
	timeout time.Duration
}

// ID returns the source's identifier.
func (p *Peer) ID() string { return p.src.ID() }

// Available reports whether the peer's breaker admits requests.
func (p *Peer) Available() bool { return p.breaker.State() != gobreaker.StateOpen }

// isTransportFailure decides which errors count against the breaker.
func isTransportFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errs.ClassOf(err) == errs.Network || errors.Is(err, context.DeadlineExceeded)
}

// call runs fn against the peer with the request timeout applied.
func call[T any](ctx context.Context, p *Peer, fn func(ctx context.Context, src Source) (T, error)) (T, error) {
	var zero T
	p.limiter.Take()
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	res, err := p.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		v, err := fn(cctx, p.src)
		if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s: %v", ErrPeerTimeout, p.ID(), err)
		}
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%w: %s", ErrPeerUnavailable, p.ID())
	}
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}

// PeerSet holds the sources the driver rotates through.
type PeerSet struct {
	cfg    PeerSetConfig
	logger zerolog.Logger

	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewPeerSet returns an empty set.
func NewPeerSet(cfg PeerSetConfig) *PeerSet {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPeerTimeout
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerCooldown
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultPeerRate
	}
	return &PeerSet{
		cfg:    cfg,
		logger: klog.Sync,
		peers:  make(map[string]*Peer),
	}
}

// Add registers src, replacing any peer with the same ID.
func (s *PeerSet) Add(src Source) *Peer {
	id := src.ID()
	logger := s.logger
	p := &Peer{
		src:     src,
		limiter: ratelimit.New(s.cfg.Rate),
		timeout: s.cfg.Timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        id,
			MaxRequests: 1,
			Timeout:     s.cfg.Cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 1
			},
			IsSuccessful: func(err error) bool { return !isTransportFailure(err) },
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Debug().Str("peer", name).Stringer("from", from).Stringer("to", to).Msg("Peer breaker state changed")
			},
		}),
	}
	s.mu.Lock()
	s.peers[id] = p
	s.mu.Unlock()
	return p
}

// Remove drops the peer with id.
func (s *PeerSet) Remove(id string) {
	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()
}

// Get returns the peer with id.
func (s *PeerSet) Get(id string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// Len returns the number of registered peers.
func (s *PeerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Available returns the peers whose breakers are not open, ordered by ID.
func (s *PeerSet) Available() []*Peer {
	s.mu.RLock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.Available() {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Penalize removes a peer that sent invalid data and reports it.
func (s *PeerSet) Penalize(p *Peer, err error) {
	s.logger.Warn().Str("peer", p.ID()).Err(err).Msg("Dropping misbehaving peer")
	s.Remove(p.ID())
	if s.cfg.Misbehaving != nil {
		s.cfg.Misbehaving(p.ID(), err)
	}
}
