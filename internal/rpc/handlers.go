package rpc

import (
	"time"
)

// ── Sync endpoints ──────────────────────────────────────────────────────

func (s *Server) handleSyncGetStatus(_ *Request) (interface{}, *Error) {
	tip, height := s.wallet.Tip()
	res := &SyncStatusResult{
		State:      "idle",
		TipHash:    tip.String(),
		Height:     height,
		ScanHeight: s.wallet.ScanHeight(),
	}
	if s.driver == nil {
		return res, nil
	}
	st := s.driver.Status()
	res.State = st.State.String()
	res.PeerHeight = st.PeerHeight
	res.Peers = st.Peers
	res.LastError = st.LastError
	if !st.LastSync.IsZero() {
		res.LastSync = st.LastSync.Unix()
	}
	return res, nil
}

func (s *Server) handleSyncTrigger(_ *Request) (interface{}, *Error) {
	if s.driver == nil {
		return nil, &Error{Code: CodeNetwork, Message: "sync is not running"}
	}
	s.driver.Trigger()
	return map[string]bool{"triggered": true}, nil
}

// ── Network endpoints ───────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &PeerInfoResult{Count: 0, Peers: []PeerInfo{}}, nil
	}

	peers := s.p2pNode.PeerList()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = PeerInfo{
			ID:          p.ID.String(),
			ConnectedAt: p.ConnectedAt.UTC().Format(time.RFC3339),
			Source:      p.Source,
			Ready:       p.Ready,
			ServesBlock: p.ServesBlocks(),
			BestHeight:  p.BestHeight,
		}
	}

	return &PeerInfoResult{
		Count: len(infos),
		Peers: infos,
	}, nil
}

func (s *Server) handleNetGetNodeInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &NodeInfoResult{ID: "", Addrs: []string{}}, nil
	}

	return &NodeInfoResult{
		ID:    s.p2pNode.ID().String(),
		Addrs: s.p2pNode.Addrs(),
	}, nil
}

func (s *Server) handleNetGetBanList(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &BanListResult{Count: 0, Bans: []BanEntry{}}, nil
	}

	records := s.p2pNode.BanManager.BanList()
	entries := make([]BanEntry, len(records))
	for i, r := range records {
		entries[i] = BanEntry{
			ID:        r.ID,
			Reason:    r.Reason,
			Score:     r.Score,
			BannedAt:  r.BannedAt,
			ExpiresAt: r.ExpiresAt,
		}
	}

	return &BanListResult{
		Count: len(entries),
		Bans:  entries,
	}, nil
}
