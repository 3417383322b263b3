// Package ledger is the wallet's coin set. It plans log entries for observed
// transactions, folds applied entries into the coin and transaction tables,
// and derives balances.
//
// Coins are never deleted. Whether a coin exists, and which transaction
// spends it, is derived from the contexts its transactions were seen in:
//   - a transaction is active while it has a confirmed height or was seen
//     unconfirmed
//   - an unconfirmed transaction is conflicted when one of its inputs has a
//     confirmed spender other than itself, or an earlier live unconfirmed one
//   - a coin exists while its creating transaction is live: active, not
//     conflicted, and spending only coins that exist
//
// Rolling back heights only removes confirmation contexts, which keeps
// rollback idempotent.
package ledger

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-spv/internal/errs"
	"github.com/Klingon-tech/klingnet-spv/internal/keys"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/internal/persist"
)

// ErrUnknownCoin is returned when a spend entry names a coin that was never
// created. It means the log is inconsistent.
var ErrUnknownCoin = errs.New(errs.Resource, "spend of unknown coin")

// ErrInconsistentSnapshot is returned by Restore for tables that do not
// reference each other correctly.
var ErrInconsistentSnapshot = errs.New(errs.Resource, "inconsistent ledger snapshot")

func errInconsistent(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInconsistentSnapshot}, args...)...)
}

// Owner recognises scripts controlled by the wallet.
type Owner interface {
	Lookup(pkScript []byte) (keys.Path, bool)
	WatchScripts() [][]byte
}

type coinState struct {
	outPoint wire.OutPoint
	value    int64
	pkScript []byte
	path     keys.Path
	spenders []chainhash.Hash // in first-seen order
}

type txState struct {
	heights         []int32 // ascending, unique
	seenUnconfirmed bool
	spends          []wire.OutPoint
	creates         []wire.OutPoint
}

func (t *txState) confirmedHeight() int32 {
	if len(t.heights) == 0 {
		return persist.Unconfirmed
	}
	return t.heights[0]
}

func (t *txState) active() bool {
	return len(t.heights) > 0 || t.seenUnconfirmed
}

func (t *txState) addContext(height int32) {
	if height < 0 {
		t.seenUnconfirmed = true
		return
	}
	i, found := slices.BinarySearch(t.heights, height)
	if !found {
		t.heights = slices.Insert(t.heights, i, height)
	}
}

// Ledger holds the coin set. It is safe for concurrent use; the wallet
// serializes mutations through its writer.
type Ledger struct {
	owner    Owner
	finality int32
	logger   zerolog.Logger

	mu    sync.RWMutex
	coins map[wire.OutPoint]*coinState
	txs   map[chainhash.Hash]*txState
}

// New returns an empty ledger.
func New(owner Owner, finalityDepth int32) *Ledger {
	return &Ledger{
		owner:    owner,
		finality: finalityDepth,
		logger:   klog.Ledger,
		coins:    make(map[wire.OutPoint]*coinState),
		txs:      make(map[chainhash.Hash]*txState),
	}
}

// OnTransaction plans the entries for observing tx in ctx. It does not
// modify the ledger. A nil result means the observation changes nothing:
// the transaction is irrelevant, or already known in the same or a
// stronger context.
func (l *Ledger) OnTransaction(tx *wire.MsgTx, ctx Context) []persist.Payload {
	l.mu.RLock()
	defer l.mu.RUnlock()

	txid := tx.TxHash()
	if t, ok := l.txs[txid]; ok {
		if !ctx.Confirmed() && t.active() {
			return nil
		}
		if ctx.Confirmed() {
			if _, found := slices.BinarySearch(t.heights, ctx.Height); found {
				return nil
			}
		}
	}

	var out []persist.Payload
	for i, txOut := range tx.TxOut {
		path, ok := l.owner.Lookup(txOut.PkScript)
		if !ok {
			continue
		}
		out = append(out, &persist.CoinCreated{
			OutPoint: wire.OutPoint{Hash: txid, Index: uint32(i)},
			Value:    txOut.Value,
			PkScript: txOut.PkScript,
			Path:     path,
			Height:   ctx.Height,
		})
	}
	for _, in := range tx.TxIn {
		if _, ok := l.coins[in.PreviousOutPoint]; !ok {
			continue
		}
		out = append(out, &persist.CoinSpent{
			OutPoint: in.PreviousOutPoint,
			Spender:  txid,
			Height:   ctx.Height,
		})
	}
	return out
}

// Apply folds one log entry into the ledger. A header-reverted entry rolls
// back its height. Other kinds are ignored.
func (l *Ledger) Apply(p persist.Payload) error {
	switch e := p.(type) {
	case *persist.CoinCreated:
		l.mu.Lock()
		defer l.mu.Unlock()
		l.applyCreated(e)
		return nil
	case *persist.CoinSpent:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.applySpent(e)
	case *persist.HeaderReverted:
		l.OnReorgRollback(HeightRange{From: e.Height, To: e.Height})
		return nil
	default:
		return nil
	}
}

func (l *Ledger) tx(txid chainhash.Hash) *txState {
	t, ok := l.txs[txid]
	if !ok {
		t = &txState{}
		l.txs[txid] = t
	}
	return t
}

func (l *Ledger) applyCreated(e *persist.CoinCreated) {
	if _, ok := l.coins[e.OutPoint]; !ok {
		l.coins[e.OutPoint] = &coinState{
			outPoint: e.OutPoint,
			value:    e.Value,
			pkScript: e.PkScript,
			path:     e.Path,
		}
	}
	t := l.tx(e.OutPoint.Hash)
	if !slices.Contains(t.creates, e.OutPoint) {
		t.creates = append(t.creates, e.OutPoint)
	}
	t.addContext(e.Height)
}

func (l *Ledger) applySpent(e *persist.CoinSpent) error {
	c, ok := l.coins[e.OutPoint]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCoin, e.OutPoint)
	}
	if !slices.Contains(c.spenders, e.Spender) {
		c.spenders = append(c.spenders, e.Spender)
	}
	t := l.tx(e.Spender)
	if !slices.Contains(t.spends, e.OutPoint) {
		t.spends = append(t.spends, e.OutPoint)
	}
	t.addContext(e.Height)
	if e.Height >= 0 {
		for _, other := range c.spenders {
			if other != e.Spender && l.txs[other].confirmedHeight() < 0 && l.txs[other].active() {
				l.logger.Warn().
					Str("conflicted", other.String()).
					Str("spender", e.Spender.String()).
					Int32("height", e.Height).
					Msg("Unconfirmed transaction conflicts with a confirmed spend")
			}
		}
	}
	return nil
}

// OnReorgRollback removes confirmation contexts inside r. Transactions
// previously seen unconfirmed are demoted to unconfirmed; the others stop
// counting, so their coins and spend markers are reverted.
func (l *Ledger) OnReorgRollback(r HeightRange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var demoted int
	for _, t := range l.txs {
		before := len(t.heights)
		t.heights = slices.DeleteFunc(t.heights, r.Contains)
		if len(t.heights) == 0 {
			t.heights = nil
			if before > 0 {
				demoted++
			}
		}
	}
	if demoted > 0 {
		l.logger.Info().
			Int32("from", r.From).
			Int32("to", r.To).
			Int("txs", demoted).
			Msg("Rolled back confirmations")
	}
}

// liveness resolves which transactions currently count. A transaction is
// live while it is active, not conflicted, and every coin it spends still
// exists. Results are memoized for one query; a transaction reached again
// while it is being resolved counts as dead.
type liveness struct {
	l     *Ledger
	state map[chainhash.Hash]uint8
}

const (
	resolving uint8 = iota + 1
	isLive
	isDead
)

func (l *Ledger) liveness() *liveness {
	return &liveness{l: l, state: make(map[chainhash.Hash]uint8)}
}

func (r *liveness) live(txid chainhash.Hash) bool {
	switch r.state[txid] {
	case isLive:
		return true
	case resolving, isDead:
		return false
	}
	t, ok := r.l.txs[txid]
	if !ok || !t.active() {
		r.state[txid] = isDead
		return false
	}
	r.state[txid] = resolving
	live := r.inputsExist(t) && !r.conflicted(txid, t)
	if live {
		r.state[txid] = isLive
	} else {
		r.state[txid] = isDead
	}
	return live
}

func (r *liveness) inputsExist(t *txState) bool {
	for _, op := range t.spends {
		if !r.live(op.Hash) {
			return false
		}
	}
	return true
}

// confirmedConflict reports whether an unconfirmed tx has an input spent by
// a different live confirmed transaction.
func (r *liveness) confirmedConflict(txid chainhash.Hash, t *txState) bool {
	if t.confirmedHeight() >= 0 {
		return false
	}
	for _, op := range t.spends {
		for _, s := range r.l.coins[op].spenders {
			if s != txid && r.l.txs[s].confirmedHeight() >= 0 && r.live(s) {
				return true
			}
		}
	}
	return false
}

func (r *liveness) conflicted(txid chainhash.Hash, t *txState) bool {
	if t.confirmedHeight() >= 0 {
		return false
	}
	if r.confirmedConflict(txid, t) {
		return true
	}
	// First seen wins among unconfirmed double spends.
	for _, op := range t.spends {
		for _, s := range r.l.coins[op].spenders {
			if s == txid {
				break
			}
			if r.live(s) {
				return true
			}
		}
	}
	return false
}

// spender returns the transaction that effectively spends c: the lowest
// live confirmed spender, else the first live unconfirmed one.
func (r *liveness) spender(c *coinState) *chainhash.Hash {
	var best *chainhash.Hash
	bestHeight := int32(-1)
	for i := range c.spenders {
		s := &c.spenders[i]
		h := r.l.txs[*s].confirmedHeight()
		if h >= 0 && (best == nil || h < bestHeight) && r.live(*s) {
			best, bestHeight = s, h
		}
	}
	if best != nil {
		return best
	}
	for i := range c.spenders {
		if r.live(c.spenders[i]) {
			return &c.spenders[i]
		}
	}
	return nil
}

func (r *liveness) exists(c *coinState) bool {
	return r.live(c.outPoint.Hash)
}

func (r *liveness) view(c *coinState) Coin {
	out := Coin{
		OutPoint: c.outPoint,
		Value:    btcutil.Amount(c.value),
		PkScript: c.pkScript,
		Path:     c.path,
		Height:   r.l.txs[c.outPoint.Hash].confirmedHeight(),
	}
	if s := r.spender(c); s != nil {
		h := *s
		out.SpentBy = &h
	}
	return out
}

// Coin returns the coin at op if it currently exists.
func (l *Ledger) Coin(op wire.OutPoint) (Coin, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.coins[op]
	if !ok {
		return Coin{}, false
	}
	r := l.liveness()
	if !r.exists(c) {
		return Coin{}, false
	}
	return r.view(c), true
}

// IsSpendable reports whether op exists and is unspent.
func (l *Ledger) IsSpendable(op wire.OutPoint) bool {
	c, ok := l.Coin(op)
	return ok && c.Spendable()
}

// Coins returns every existing coin, spent or not, ordered by outpoint.
func (l *Ledger) Coins() []Coin {
	return l.collect(false)
}

// Spendable returns the unspent coins ordered by outpoint.
func (l *Ledger) Spendable() []Coin {
	return l.collect(true)
}

func (l *Ledger) collect(unspentOnly bool) []Coin {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r := l.liveness()
	out := make([]Coin, 0, len(l.coins))
	for _, c := range l.coins {
		if !r.exists(c) {
			continue
		}
		v := r.view(c)
		if unspentOnly && !v.Spendable() {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return CompareOutPoints(out[i].OutPoint, out[j].OutPoint) < 0
	})
	return out
}

// IsFinal reports whether a coin at height is final with the tip at tip.
func (l *Ledger) IsFinal(height, tip int32) bool {
	return height >= 0 && height <= tip && tip-height+1 >= l.finality
}

// Balance splits spendable coins by depth relative to tip.
func (l *Ledger) Balance(tip int32) Balance {
	var b Balance
	for _, c := range l.Spendable() {
		switch {
		case l.IsFinal(c.Height, tip):
			b.Confirmed += c.Value
		case c.Confirmed():
			b.Immature += c.Value
		default:
			b.Unconfirmed += c.Value
		}
	}
	return b
}

// ConfirmedBalance returns the spendable value at final depth.
func (l *Ledger) ConfirmedBalance(tip int32) btcutil.Amount {
	return l.Balance(tip).Confirmed
}

// PendingBalance returns the spendable value that is shallow or unconfirmed.
func (l *Ledger) PendingBalance(tip int32) btcutil.Amount {
	return l.Balance(tip).Pending()
}

// Totals returns the value of every existing coin and of those spent.
func (l *Ledger) Totals() (created, spent btcutil.Amount) {
	for _, c := range l.Coins() {
		created += c.Value
		if !c.Spendable() {
			spent += c.Value
		}
	}
	return created, spent
}

// History lists relevant transactions, confirmed ones first by height.
func (l *Ledger) History() []TxSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r := l.liveness()
	out := make([]TxSummary, 0, len(l.txs))
	for txid, t := range l.txs {
		s := TxSummary{
			TxID:       txid,
			Height:     t.confirmedHeight(),
			Heights:    slices.Clone(t.heights),
			Active:     t.active(),
			Conflicted: t.active() && !r.live(txid),
		}
		for _, op := range t.creates {
			s.Received += btcutil.Amount(l.coins[op].value)
		}
		for _, op := range t.spends {
			s.Spent += btcutil.Amount(l.coins[op].value)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		hi, hj := out[i].Height, out[j].Height
		if (hi < 0) != (hj < 0) {
			return hj < 0
		}
		if hi != hj {
			return hi < hj
		}
		return out[i].TxID.String() < out[j].TxID.String()
	})
	return out
}

// WatchScripts returns the scripts to match against block filters.
func (l *Ledger) WatchScripts() [][]byte {
	return l.owner.WatchScripts()
}

// Len returns the number of coin and transaction records.
func (l *Ledger) Len() (coins, txs int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.coins), len(l.txs)
}
