package chain

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/1e9c9h9o/echolock-sub005/internal/errs"
)

type fakeExplorer struct {
	states map[string][]TxState
	calls map[string]int
	tip int64
}

func (f *fakeExplorer) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	return "deadbeef", nil
}

func (f *fakeExplorer) TxStatus(ctx context.Context, txid string) (TxState, error) {
	seq := f.states[txid]
	i := f.calls[txid]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	f.calls[txid]++
	return seq[i], nil
}

func (f *fakeExplorer) TipHeight(ctx context.Context) (int64, error) {
	return f.tip, nil
}

func TestWaitForConfirmationReachesConfirmed(t *testing.T) {
	fe := &fakeExplorer{
		calls: map[string]int{},
		states: map[string][]TxState{
			"tx1": {
				{Status: StatusPending},
				{Status: StatusConfirming, Confirmations: 0},
				{Status: StatusConfirmed, Confirmations: 1},
			},
		},
	}
	m := NewMonitor(fe, 5*time.Millisecond, 1, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	state, err := m.WaitForConfirmation(ctx, "tx1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", state.Status)
	}
}

func TestWaitForConfirmationDropped(t *testing.T) {
	fe := &fakeExplorer{
		calls: map[string]int{},
		states: map[string][]TxState{
			"tx2": {
				{Status: StatusPending},
				{Status: StatusDropped},
			},
		},
	}
	m := NewMonitor(fe, 5*time.Millisecond, 1, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := m.WaitForConfirmation(ctx, "tx2")
	if !errs.Is(err, errs.KindPermanent) {
		t.Fatalf("expected permanent error on dropped tx, got %v", err)
	}
}

func TestWaitForConfirmationContextCancelled(t *testing.T) {
	fe := &fakeExplorer{
		calls: map[string]int{},
		states: map[string][]TxState{
			"tx3": {{Status: StatusPending}},
		},
	}
	m := NewMonitor(fe, 5*time.Millisecond, 1, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.WaitForConfirmation(ctx, "tx3")
	if err == nil {
		t.Fatalf("expected error on context cancellation")
	}
}

func TestPollMarksNeverSeenDroppedAfterThreshold(t *testing.T) {
	fe := &fakeExplorer{
		calls: map[string]int{},
		states: map[string][]TxState{
			"tx4": {{Status: StatusNotFound}},
		},
	}
	m := NewMonitor(fe, time.Second, 1, 20*time.Millisecond)

	state, err := m.Poll(context.Background(), "tx4")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusNotFound {
		t.Fatalf("expected first poll to stay not_found, got %s", state.Status)
	}

	time.Sleep(30 * time.Millisecond)
	state, err = m.Poll(context.Background(), "tx4")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusDropped {
		t.Fatalf("expected dropped after threshold elapsed with no sighting, got %s", state.Status)
	}
}

func TestPollMarksDisappearedFromMempoolDropped(t *testing.T) {
	fe := &fakeExplorer{
		calls: map[string]int{},
		states: map[string][]TxState{
			"tx5": {
				{Status: StatusPending},
				{Status: StatusNotFound},
			},
		},
	}
	m := NewMonitor(fe, time.Second, 1, time.Hour)

	state, err := m.Poll(context.Background(), "tx5")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusPending {
		t.Fatalf("expected first poll pending, got %s", state.Status)
	}

	state, err = m.Poll(context.Background(), "tx5")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusDropped {
		t.Fatalf("expected immediate dropped on disappearance from mempool, got %s", state.Status)
	}
}

func TestDecodeTxRejectsEmpty(t *testing.T) {
	if _, _, err := DecodeTx(nil); !errs.Is(err, errs.KindInput) {
		t.Fatalf("expected input error, got %v", err)
	}
}

func TestDecodeTxRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeTx([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatalf("expected decode error on garbage bytes")
	}
}

func TestTotalOutputValueSumsOutputs(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{1}, 0)})
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	tx.AddTxOut(wire.NewTxOut(2500, []byte{0x51}))
	got, err := TotalOutputValue(tx)
	if err != nil {
		t.Fatal(err)
	}
	if got != 3500 {
		t.Fatalf("expected 3500 satoshi, got %d", got)
	}
}
