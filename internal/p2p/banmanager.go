package p2p

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
)

// Ban thresholds and durations.
const (
	BanThreshold = 100 // Score at which a peer gets banned.
	BanDuration  = 24 * time.Hour

	banPruneInterval = 10 * time.Minute
)

// Penalty values for different offenses.
const (
	PenaltyInvalidData   = 50  // Header, filter or block that failed validation.
	PenaltyInvalidTx     = 20  // Undecodable relayed transaction.
	PenaltyBadRequest    = 10  // Abusive request.
	PenaltyHandshakeFail = 100 // Instant ban (other chain).
)

// BanManager tracks peer offense scores and manages bans.
type BanManager struct {
	clock  clock.Clock
	logger zerolog.Logger

	mu     sync.RWMutex
	scores map[peer.ID]int
	bans   map[peer.ID]*BanRecord
	store  *BanStore // Persistence (nil for tests).
	node   *Node     // For DisconnectPeer (nil in unit tests).
}

// NewBanManager creates a new BanManager.
// store may be nil to disable persistence (useful for tests).
// node may be nil if disconnect-on-ban is not needed.
func NewBanManager(store *BanStore, node *Node, clk clock.Clock) *BanManager {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &BanManager{
		clock:  clk,
		logger: klog.WithComponent("banmgr"),
		scores: make(map[peer.ID]int),
		bans:   make(map[peer.ID]*BanRecord),
		store:  store,
		node:   node,
	}
}

// LoadBans restores persisted bans from the store into the in-memory cache.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}
	now := bm.clock.Now()
	if _, err := bm.store.PruneExpired(now); err != nil {
		bm.logger.Warn().Err(err).Msg("Pruning expired bans failed")
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	err := bm.store.ForEach(func(rec *BanRecord) error {
		if rec.IsExpired(now) {
			return nil
		}
		id, err := peer.Decode(rec.ID)
		if err != nil {
			return nil
		}
		bm.bans[id] = rec
		return nil
	})
	if err != nil {
		bm.logger.Warn().Err(err).Msg("Loading bans failed")
	}
}

// RecordOffense adds a penalty score to a peer. If the cumulative score
// reaches BanThreshold, the peer is banned and disconnected.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	now := bm.clock.Now()
	if rec, ok := bm.bans[id]; ok && !rec.IsExpired(now) {
		return
	}

	bm.scores[id] += penalty
	if bm.scores[id] < BanThreshold {
		bm.logger.Debug().Str("peer", shortID(id)).Str("reason", reason).
			Int("score", bm.scores[id]).Msg("Peer offense")
		return
	}

	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     bm.scores[id],
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			bm.logger.Warn().Err(err).Msg("Persisting ban failed")
		}
	}
	bm.logger.Warn().
		Str("peer", shortID(id)).
		Str("reason", reason).
		Int("score", rec.Score).
		Msg("Peer banned")

	if bm.node != nil && bm.node.host != nil {
		go bm.node.DisconnectPeer(id)
	}
}

// IsBanned returns true if the peer is currently banned.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[id]
	bm.mu.RUnlock()
	if !ok {
		return false
	}
	if rec.IsExpired(bm.clock.Now()) {
		bm.Unban(id)
		return false
	}
	return true
}

// Score returns the peer's accumulated offense score.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.scores[id]
}

// Unban manually removes a ban.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		_ = bm.store.Delete(id)
	}
}

// ClearAll removes every ban and score.
func (bm *BanManager) ClearAll() {
	for _, rec := range bm.BanList() {
		if id, err := peer.Decode(rec.ID); err == nil {
			bm.Unban(id)
		}
	}
	bm.mu.Lock()
	bm.scores = make(map[peer.ID]int)
	bm.mu.Unlock()
}

// BanList returns the active bans ordered by expiry.
func (bm *BanManager) BanList() []BanRecord {
	now := bm.clock.Now()
	bm.mu.RLock()
	var list []BanRecord
	for _, rec := range bm.bans {
		if !rec.IsExpired(now) {
			list = append(list, *rec)
		}
	}
	bm.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ExpiresAt < list[j].ExpiresAt })
	return list
}

// RunPruneLoop periodically prunes expired bans until done is closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-bm.clock.TickAfter(banPruneInterval):
			bm.pruneExpired()
		}
	}
}

func (bm *BanManager) pruneExpired() {
	now := bm.clock.Now()
	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.IsExpired(now) {
			delete(bm.bans, id)
		}
	}
	bm.mu.Unlock()

	if bm.store != nil {
		if _, err := bm.store.PruneExpired(now); err != nil {
			bm.logger.Warn().Err(err).Msg("Pruning expired bans failed")
		}
	}
}
