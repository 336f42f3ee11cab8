// Package chain implements C5: watching a single Bitcoin transaction from
// submission through confirmation depth, and the Phase 1 half of C6's
// two-phase commit (decode, broadcast, wait for confirmation), built on
// btcsuite/btcd's wire.MsgTx decode and single-transaction status polling
// against an explorer HTTP API.
package chain

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/1e9c9h9o/echolock-sub005/internal/errs"
)

// Status is the lifecycle of a watched transaction.
type Status int

const (
	StatusNotFound Status = iota
	StatusPending
	StatusConfirming
	StatusConfirmed
	StatusDropped
	StatusError
)

func (s Status) String() string {
	switch s {
		case StatusNotFound:
		return "not_found"
		case StatusPending:
		return "pending"
		case StatusConfirming:
		return "confirming"
		case StatusConfirmed:
		return "confirmed"
		case StatusDropped:
		return "dropped"
		case StatusError:
		return "error"
		default:
		return "unknown"
	}
}

// DefaultRequiredConfirmations is the confirmation depth required before
// a transaction is treated as final for Phase 1 purposes.
const DefaultRequiredConfirmations = 1

// DefaultDroppedThreshold is how long a never-yet-seen transaction may
// stay NotFound before the monitor calls it dropped rather than still
// propagating.
const DefaultDroppedThreshold = 10 * time.Minute

// TxState is the polled view of one watched transaction.
type TxState struct {
	Txid string
	Status Status
	Confirmations int64
	BlockHeight int64
	LastChecked time.Time
}

// ExplorerClient is the narrow HTTP surface the monitor needs; production
// code implements it against a block explorer REST API, tests inject a
// fake.
type ExplorerClient interface {
	Broadcast(ctx context.Context, rawTx []byte) (txid string, err error)
	TxStatus(ctx context.Context, txid string) (TxState, error)
	TipHeight(ctx context.Context) (int64, error)
}

// DecodeTx parses and validates a raw Bitcoin transaction using
// btcsuite/btcd's wire codec, returning its txid. A structurally invalid
// transaction is a permanent, non-retryable error.
func DecodeTx(rawTx []byte) (*wire.MsgTx, *chainhash.Hash, error) {
	const op = "chain.DecodeTx"
	if len(rawTx) == 0 {
		return nil, nil, errs.New(errs.KindInput, op, fmt.Errorf("empty transaction bytes"))
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, nil, errs.New(errs.KindPermanent, op, fmt.Errorf("decode: %w", err))
	}
	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return nil, nil, errs.New(errs.KindPermanent, op, fmt.Errorf("transaction has no inputs or outputs"))
	}
	txid := tx.TxHash()
	return &tx, &txid, nil
}

// TotalOutputValue sums a transaction's output values, for logging the
// amount being moved by a trigger broadcast. Overflow beyond the
// 21M-BTC supply cap is treated as a decode error rather than wrapping.
func TotalOutputValue(tx *wire.MsgTx) (btcutil.Amount, error) {
	const op = "chain.TotalOutputValue"
	var total int64
	for _, out := range tx.TxOut {
		if out.Value < 0 || out.Value > int64(btcutil.MaxSatoshi) {
			return 0, errs.New(errs.KindPermanent, op, fmt.Errorf("output value %d out of range", out.Value))
		}
		total += out.Value
		if total > int64(btcutil.MaxSatoshi) {
			return 0, errs.New(errs.KindPermanent, op, fmt.Errorf("output value %d out of range", total))
		}
	}
	amount := btcutil.Amount(total)
	if amount < 0 || amount > btcutil.MaxSatoshi {
		return 0, errs.New(errs.KindPermanent, op, fmt.Errorf("output value %d out of range", total))
	}
	return amount, nil
}

// txWatch is the first-seen/last-seen bookkeeping Poll needs to detect a
// dropped transaction from a bare sequence of explorer snapshots, which
// carry no memory of their own.
type txWatch struct {
	firstNotFoundAt time.Time // zero once the tx has ever been seen in the mempool/chain
	lastSeenAt time.Time // last poll where status was Pending, Confirming, or Confirmed
}

// Monitor polls an ExplorerClient until a transaction reaches a terminal
// status or the context is cancelled.
type Monitor struct {
	explorer ExplorerClient
	pollInterval time.Duration
	requiredConfirmations int64
	droppedThreshold time.Duration

	mu sync.Mutex
	watched map[string]*txWatch
}

// NewMonitor builds a Monitor with package defaults applied for zero
// values. droppedThreshold of zero uses DefaultDroppedThreshold.
func NewMonitor(explorer ExplorerClient, pollInterval time.Duration, requiredConfirmations int64, droppedThreshold time.Duration) *Monitor {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if requiredConfirmations <= 0 {
		requiredConfirmations = DefaultRequiredConfirmations
	}
	if droppedThreshold <= 0 {
		droppedThreshold = DefaultDroppedThreshold
	}
	return &Monitor{
		explorer: explorer,
		pollInterval: pollInterval,
		requiredConfirmations: requiredConfirmations,
		droppedThreshold: droppedThreshold,
		watched: make(map[string]*txWatch),
	}
}

// Poll fetches the current state once, without blocking for confirmation.
// It also applies the NotFound/Pending → Dropped transitions: a
// transaction never seen in the mempool within droppedThreshold of its
// first poll, or one that was seen and then vanished, is reclassified as
// StatusDropped here rather than left for callers to infer.
func (m *Monitor) Poll(ctx context.Context, txid string) (TxState, error) {
	const op = "chain.Monitor.Poll"
	state, err := m.explorer.TxStatus(ctx, txid)
	if err != nil {
		return TxState{}, errs.New(errs.KindTransient, op, err)
	}
	if state.Confirmations >= m.requiredConfirmations && state.Status != StatusConfirmed {
		state.Status = StatusConfirmed
	} else if state.Confirmations > 0 && state.Confirmations < m.requiredConfirmations {
		state.Status = StatusConfirming
	}

	now := state.LastChecked
	if now.IsZero() {
		now = time.Now()
	}

	m.mu.Lock()
	w, ok := m.watched[txid]
	if !ok {
		w = &txWatch{}
		m.watched[txid] = w
	}
	switch state.Status {
	case StatusPending, StatusConfirming, StatusConfirmed:
		w.lastSeenAt = now
		w.firstNotFoundAt = time.Time{}
	case StatusNotFound:
		if !w.lastSeenAt.IsZero() {
			// was in the mempool/chain before, now gone: dropped.
			state.Status = StatusDropped
			break
		}
		if w.firstNotFoundAt.IsZero() {
			w.firstNotFoundAt = now
		}
		if now.Sub(w.firstNotFoundAt) > m.droppedThreshold {
			state.Status = StatusDropped
		}
	}
	m.mu.Unlock()

	return state, nil
}

// WaitForConfirmation blocks, polling at pollInterval, until the
// transaction reaches StatusConfirmed, StatusDropped, or the context is
// cancelled. This is the blocking half of Phase 1 of the two-phase
// commit.
func (m *Monitor) WaitForConfirmation(ctx context.Context, txid string) (TxState, error) {
	const op = "chain.Monitor.WaitForConfirmation"
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	state, err := m.Poll(ctx, txid)
	if err != nil {
		return TxState{}, err
	}
	for state.Status != StatusConfirmed && state.Status != StatusDropped {
		select {
			case <-ctx.Done():
			return state, errs.New(errs.KindTransient, op, ctx.Err())
			case <-ticker.C:
			state, err = m.Poll(ctx, txid)
			if err != nil {
				return TxState{}, err
			}
		}
	}
	if state.Status == StatusDropped {
		return state, errs.New(errs.KindPermanent, op, fmt.Errorf("transaction %s dropped from mempool", txid))
	}
	return state, nil
}
