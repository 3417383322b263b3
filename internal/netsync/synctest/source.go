package synctest

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingnet-spv/internal/netsync"
)

// Method names accepted by Source.Fail and Source.Hang.
const (
	MethodTip       = "tip"
	MethodHeaders   = "headers"
	MethodFilter    = "filter"
	MethodBlock     = "block"
	MethodBroadcast = "broadcast"
)

// Source serves a Chain as a netsync.Source with scripted faults.
type Source struct {
	id string

	mu         sync.Mutex
	chain      *Chain
	fail       map[string]error
	hang       map[string]bool
	calls      map[string]int
	locators   [][]chainhash.Hash
	broadcasts []*wire.MsgTx
	// headerLimit caps the total headers served, or -1.
	headerLimit int
	served      int
}

var _ netsync.Source = (*Source)(nil)

// NewSource serves c under id.
func NewSource(id string, c *Chain) *Source {
	return &Source{
		id:          id,
		chain:       c,
		fail:        make(map[string]error),
		hang:        make(map[string]bool),
		calls:       make(map[string]int),
		headerLimit: -1,
	}
}

// SetChain switches the served chain.
func (s *Source) SetChain(c *Chain) {
	s.mu.Lock()
	s.chain = c
	s.mu.Unlock()
}

// Fail makes method return err until cleared with a nil err.
func (s *Source) Fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, method)
		return
	}
	s.fail[method] = err
}

// Hang makes method block until its context is done.
func (s *Source) Hang(method string, hang bool) {
	s.mu.Lock()
	s.hang[method] = hang
	s.mu.Unlock()
}

// LimitHeaders stops serving headers after n in total; later requests
// fail with netsync.ErrPeerDisconnected.
func (s *Source) LimitHeaders(n int) {
	s.mu.Lock()
	s.headerLimit = n
	s.mu.Unlock()
}

// Calls returns how often method was called.
func (s *Source) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Locators returns the locators of every headers request.
func (s *Source) Locators() [][]chainhash.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]chainhash.Hash(nil), s.locators...)
}

// Broadcasts returns the transactions received through Broadcast.
func (s *Source) Broadcasts() []*wire.MsgTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.MsgTx(nil), s.broadcasts...)
}

func (s *Source) enter(ctx context.Context, method string) (*Chain, error) {
	s.mu.Lock()
	s.calls[method]++
	c, err, hang := s.chain, s.fail[method], s.hang[method]
	s.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c, err
}

func (s *Source) ID() string { return s.id }

func (s *Source) Tip(ctx context.Context) (chainhash.Hash, int32, error) {
	c, err := s.enter(ctx, MethodTip)
	if err != nil {
		return chainhash.Hash{}, 0, err
	}
	hash, height := c.Tip()
	return hash, height, nil
}

func (s *Source) Headers(ctx context.Context, locator []chainhash.Hash, max int) ([]wire.BlockHeader, error) {
	c, err := s.enter(ctx, MethodHeaders)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.locators = append(s.locators, append([]chainhash.Hash(nil), locator...))
	s.mu.Unlock()

	hdrs := c.HeadersAfter(locator, max)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headerLimit >= 0 {
		remaining := s.headerLimit - s.served
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s", netsync.ErrPeerDisconnected, s.id)
		}
		if len(hdrs) > remaining {
			hdrs = hdrs[:remaining]
		}
	}
	s.served += len(hdrs)
	return hdrs, nil
}

func (s *Source) Filter(ctx context.Context, hash chainhash.Hash) (*gcs.Filter, error) {
	c, err := s.enter(ctx, MethodFilter)
	if err != nil {
		return nil, err
	}
	_, f, _, ok := c.lookup(hash)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no block %s", netsync.ErrPeerDisconnected, s.id, hash)
	}
	return f, nil
}

func (s *Source) Block(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error) {
	c, err := s.enter(ctx, MethodBlock)
	if err != nil {
		return nil, err
	}
	b, _, _, ok := c.lookup(hash)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no block %s", netsync.ErrPeerDisconnected, s.id, hash)
	}
	return b, nil
}

func (s *Source) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	if _, err := s.enter(ctx, MethodBroadcast); err != nil {
		return err
	}
	s.mu.Lock()
	s.broadcasts = append(s.broadcasts, tx)
	s.mu.Unlock()
	return nil
}
