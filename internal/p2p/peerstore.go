package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lightningnetwork/lnd/clock"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/Klingon-tech/klingnet-spv/internal/storage"
)

const (
	peerKeyPrefix = "peer/"
	// StaleThreshold is how long an address is kept after it was last seen.
	StaleThreshold    = 5 * 24 * time.Hour
	persistInterval   = 5 * time.Minute
	maxPersistedPeers = 500
)

// PeerRecord is a persisted peer entry.
type PeerRecord struct {
	ID       string   `json:"id"`        // base58 peer ID
	Addrs    []string `json:"addrs"`     // multiaddr strings
	LastSeen int64    `json:"last_seen"` // unix timestamp
	Source   string   `json:"source"`    // "dht", "mdns", "seed", "manual", "inbound"
	Services uint32   `json:"services"`
}

// PeerStore persists peer records in a storage.DB under the "peer/" prefix.
type PeerStore struct {
	db    storage.DB
	clock clock.Clock
}

// NewPeerStore creates a new PeerStore backed by the given DB.
func NewPeerStore(db storage.DB, clk clock.Clock) *PeerStore {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &PeerStore{db: db, clock: clk}
}

func peerKey(id string) []byte {
	return []byte(peerKeyPrefix + id)
}

// Save persists a peer record. If the store already has maxPersistedPeers
// records and this is a new peer, the save is silently skipped.
func (ps *PeerStore) Save(rec PeerRecord) error {
	key := peerKey(rec.ID)
	exists, err := ps.db.Has(key)
	if err != nil {
		return fmt.Errorf("check peer exists: %w", err)
	}
	if !exists {
		count, err := ps.Count()
		if err != nil {
			return err
		}
		if count >= maxPersistedPeers {
			return nil
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal peer record: %w", err)
	}
	return ps.db.Put(key, data)
}

// Load retrieves a single peer record by ID.
func (ps *PeerStore) Load(id peer.ID) (*PeerRecord, error) {
	data, err := ps.db.Get(peerKey(id.String()))
	if err != nil {
		return nil, fmt.Errorf("get peer record: %w", err)
	}
	var rec PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal peer record: %w", err)
	}
	return &rec, nil
}

// LoadAll returns all persisted peer records, most recently seen first.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var records []PeerRecord
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(_, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil // Skip corrupt records.
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate peer records: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].LastSeen > records[j].LastSeen })
	return records, nil
}

// Delete removes a peer record.
func (ps *PeerStore) Delete(id peer.ID) error {
	return ps.db.Delete(peerKey(id.String()))
}

// PruneStale removes corrupt records and records not seen within
// threshold. Returns the number pruned.
func (ps *PeerStore) PruneStale(threshold time.Duration) (int, error) {
	cutoff := ps.clock.Now().Add(-threshold).Unix()
	var toDelete [][]byte
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(key, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil || rec.LastSeen < cutoff {
			toDelete = append(toDelete, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}
	for _, k := range toDelete {
		if err := ps.db.Delete(k); err != nil {
			return 0, fmt.Errorf("delete stale peer: %w", err)
		}
	}
	return len(toDelete), nil
}

// Count returns the number of persisted peer records.
func (ps *PeerStore) Count() (int, error) {
	count := 0
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(_, _ []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return count, nil
}

// --- Node integration ---

func (n *Node) persistPeers() {
	if n.peerStore == nil || n.host == nil {
		return
	}
	now := n.config.Clock.Now().Unix()
	for _, p := range n.PeerList() {
		if !p.Ready {
			continue
		}
		addrs := n.host.Peerstore().Addrs(p.ID)
		rec := PeerRecord{
			ID:       p.ID.String(),
			Addrs:    make([]string, len(addrs)),
			LastSeen: now,
			Source:   p.Source,
			Services: p.Services,
		}
		for i, a := range addrs {
			rec.Addrs[i] = a.String()
		}
		if err := n.peerStore.Save(rec); err != nil {
			n.logger.Debug().Err(err).Str("peer", shortID(p.ID)).Msg("Persisting peer failed")
		}
	}
}

func (n *Node) loadPersistedPeers() {
	if n.peerStore == nil {
		return
	}
	if _, err := n.peerStore.PruneStale(StaleThreshold); err != nil {
		n.logger.Warn().Err(err).Msg("Pruning address book failed")
	}
	records, err := n.peerStore.LoadAll()
	if err != nil {
		n.logger.Warn().Err(err).Msg("Loading address book failed")
		return
	}

	for _, rec := range records {
		if n.ctx.Err() != nil || n.full() {
			return
		}
		info, ok := recordAddrInfo(rec)
		if !ok || info.ID == n.host.ID() || n.BanManager.IsBanned(info.ID) {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(ctx, info); err == nil {
			n.addPeer(info.ID, rec.Source)
		}
		cancel()
	}
}

// recordAddrInfo rebuilds a dialable AddrInfo, skipping bad addresses.
func recordAddrInfo(rec PeerRecord) (peer.AddrInfo, bool) {
	id, err := peer.Decode(rec.ID)
	if err != nil {
		return peer.AddrInfo{}, false
	}
	info := peer.AddrInfo{ID: id}
	for _, s := range rec.Addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		info.Addrs = append(info.Addrs, addr)
	}
	return info, len(info.Addrs) > 0
}

func (n *Node) runPersistLoop() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.config.Clock.TickAfter(persistInterval):
			n.persistPeers()
			if _, err := n.peerStore.PruneStale(StaleThreshold); err != nil {
				n.logger.Debug().Err(err).Msg("Pruning address book failed")
			}
		}
	}
}
