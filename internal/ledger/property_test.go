package ledger

import (
	"reflect"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"pgregory.net/rapid"

	"github.com/Klingon-tech/klingnet-spv/internal/persist"
)

// ledgerMachine drives a ledger with random observations and rollbacks and
// records every applied entry so the run can be replayed.
type ledgerMachine struct {
	l       *Ledger
	owner   testOwner
	seen    []*wire.MsgTx
	applied []persist.Payload
	nonce   uint32
}

func newLedgerMachine() *ledgerMachine {
	o := newTestOwner(4)
	return &ledgerMachine{l: New(o, 6), owner: o}
}

func (m *ledgerMachine) drawContext(t *rapid.T) Context {
	if rapid.Bool().Draw(t, "unconfirmed") {
		return Unconfirmed
	}
	return ConfirmedAt(rapid.Int32Range(1, 20).Draw(t, "height"))
}

func (m *ledgerMachine) drawOutput(t *rapid.T) *wire.TxOut {
	value := rapid.Int64Range(1, 1_000_000).Draw(t, "value")
	if rapid.IntRange(0, 3).Draw(t, "foreign") == 0 {
		return wire.NewTxOut(value, foreignScript)
	}
	return wire.NewTxOut(value, ownedScript(rapid.IntRange(0, 3).Draw(t, "script")))
}

func (m *ledgerMachine) observe(t *rapid.T, tx *wire.MsgTx, ctx Context) {
	for _, p := range m.l.OnTransaction(tx, ctx) {
		if err := m.l.Apply(p); err != nil {
			t.Fatalf("apply %s: %v", p.Kind(), err)
		}
		m.applied = append(m.applied, p)
	}
	m.seen = append(m.seen, tx)
}

func (m *ledgerMachine) receive(t *rapid.T) {
	m.nonce++
	outs := rapid.IntRange(1, 3).Draw(t, "outputs")
	tx := fund(m.nonce)
	for i := 0; i < outs; i++ {
		tx.AddTxOut(m.drawOutput(t))
	}
	m.observe(t, tx, m.drawContext(t))
}

// spend picks from every known coin, spent or not, so double spends occur.
func (m *ledgerMachine) spend(t *rapid.T) {
	coins := m.l.Coins()
	if len(coins) == 0 {
		t.Skip("no coins")
	}
	m.nonce++
	in := rapid.SampledFrom(coins).Draw(t, "input")
	tx := spend(m.nonce, []wire.OutPoint{in.OutPoint})
	if rapid.Bool().Draw(t, "change") {
		tx.AddTxOut(m.drawOutput(t))
	}
	m.observe(t, tx, m.drawContext(t))
}

func (m *ledgerMachine) reobserve(t *rapid.T) {
	if len(m.seen) == 0 {
		t.Skip("nothing seen")
	}
	tx := rapid.SampledFrom(m.seen).Draw(t, "tx")
	m.observe(t, tx, m.drawContext(t))
}

func (m *ledgerMachine) rollback(t *rapid.T) {
	from := rapid.Int32Range(1, 20).Draw(t, "from")
	to := rapid.Int32Range(from, 20).Draw(t, "to")
	m.l.OnReorgRollback(HeightRange{From: from, To: to})
	before := m.l.Snapshot()
	m.l.OnReorgRollback(HeightRange{From: from, To: to})
	if after := m.l.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("rollback [%d,%d] not idempotent", from, to)
	}
	for h := to; h >= from; h-- {
		m.applied = append(m.applied, &persist.HeaderReverted{Height: h})
	}
}

func (m *ledgerMachine) check(t *rapid.T) {
	var spendable, created, spent btcutil.Amount
	for _, c := range m.l.Spendable() {
		spendable += c.Value
	}
	for _, c := range m.l.Coins() {
		created += c.Value
		if c.SpentBy != nil {
			spent += c.Value
		}
	}
	if spendable != created-spent {
		t.Fatalf("spendable %v != created %v - spent %v", spendable, created, spent)
	}
	if total := m.l.Balance(20).Total(); total != spendable {
		t.Fatalf("balance total %v != spendable %v", total, spendable)
	}

	live := make(map[chainhash.Hash]bool)
	for _, s := range m.l.History() {
		live[s.TxID] = s.Active && !s.Conflicted
	}
	for _, c := range m.l.Coins() {
		if !live[c.OutPoint.Hash] {
			t.Fatalf("coin %s created by a dead transaction", c.OutPoint)
		}
		if c.SpentBy != nil && !live[*c.SpentBy] {
			t.Fatalf("coin %s spent by a dead transaction", c.OutPoint)
		}
	}
}

func TestLedgerProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newLedgerMachine()
		t.Repeat(map[string]func(*rapid.T){
			"receive":   m.receive,
			"spend":     m.spend,
			"reobserve": m.reobserve,
			"rollback":  m.rollback,
			"":          m.check,
		})

		replayed := New(m.owner, 6)
		for _, p := range m.applied {
			if err := replayed.Apply(p); err != nil {
				t.Fatalf("replay %s: %v", p.Kind(), err)
			}
		}
		if !reflect.DeepEqual(replayed.Snapshot(), m.l.Snapshot()) {
			t.Fatal("replayed ledger differs from live ledger")
		}
	})
}
