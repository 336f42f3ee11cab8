// Package coordinator implements C6: the two-phase commit sequencing a
// Bitcoin broadcast-and-confirm phase strictly before relay fragment
// publication, as an explicit state machine with a monotonic transition
// history. The state-machine shape — named states, recorded transitions,
// terminal states refusing further input — is the same exhaustive,
// never-implicit state handling pattern used elsewhere for chain reorg
// choice, generalized here to a two-party commit protocol.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/1e9c9h9o/echolock-sub005/internal/chain"
	"github.com/1e9c9h9o/echolock-sub005/internal/errs"
	"github.com/1e9c9h9o/echolock-sub005/internal/relay"
)

// CommitState is the tagged state of a two-phase commit.
type CommitState int

const (
	StateNotStarted CommitState = iota
	StatePhase1Waiting
	StatePhase1Confirmed
	StatePhase2Publishing
	StatePhase2Complete
	StateCommitted
	StateFailed
	StateRolledBack
)

func (s CommitState) String() string {
	switch s {
		case StateNotStarted:
		return "not_started"
		case StatePhase1Waiting:
		return "phase1_waiting"
		case StatePhase1Confirmed:
		return "phase1_confirmed"
		case StatePhase2Publishing:
		return "phase2_publishing"
		case StatePhase2Complete:
		return "phase2_complete"
		case StateCommitted:
		return "committed"
		case StateFailed:
		return "failed"
		case StateRolledBack:
		return "rolled_back"
		default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions are accepted from s.
func (s CommitState) IsTerminal() bool {
	return s == StateCommitted || s == StateFailed || s == StateRolledBack
}

// Transition is one recorded state change in a commit's history.
type Transition struct {
	From CommitState
	To CommitState
	At time.Time
	Note string
}

// FailurePhase records which phase a Failed transition occurred in.
type FailurePhase int

const (
	FailurePhaseNone FailurePhase = iota
	FailurePhaseOne
	FailurePhaseTwo
)

// Commit tracks one switch's two-phase commit progress end to end.
type Commit struct {
	SwitchID string
	State CommitState
	History []Transition
	BitcoinTxid string
	FailurePhase FailurePhase
	QuorumShortfall int
}

func newCommit(switchID string) *Commit {
	return &Commit{SwitchID: switchID, State: StateNotStarted}
}

func (c *Commit) transition(to CommitState, now time.Time, note string) error {
	const op = "coordinator.Commit.transition"
	if c.State.IsTerminal() {
		return errs.IllegalTransition(op, c.State.String(), to.String()).WithSwitch(c.SwitchID)
	}
	c.History = append(c.History, Transition{From: c.State, To: to, At: now, Note: note})
	c.State = to
	return nil
}

// FragmentPublisher is the narrow surface Phase 2 needs from C4.
type FragmentPublisher interface {
	PublishFragment(ctx context.Context, e relay.Event) (relay.PublishResult, error)
}

// TxBroadcaster is the narrow surface Phase 1 needs from C5/explorer.
type TxBroadcaster interface {
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
}

// Coordinator drives Commit state machines for many switches; it holds
// no per-switch mutable state of its own beyond what is passed in, so
// callers own persistence of the Commit value between calls.
type Coordinator struct {
	broadcaster TxBroadcaster
	monitor *chain.Monitor
	publisher FragmentPublisher
	nowFn func() time.Time
}

// New builds a Coordinator. nowFn defaults to time.Now; tests inject a
// controllable clock through the same seam.
func New(broadcaster TxBroadcaster, monitor *chain.Monitor, publisher FragmentPublisher, nowFn func() time.Time) *Coordinator {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Coordinator{broadcaster: broadcaster, monitor: monitor, publisher: publisher, nowFn: nowFn}
}

// StartCommit begins a fresh Commit for switchID.
func StartCommit(switchID string) *Commit {
	return newCommit(switchID)
}

// RunPhase1 validates rawTx, broadcasts it, and waits for confirmation.
// Any failure transitions the commit directly to Failed with
// FailurePhaseOne; Phase 2 is never reached from this call.
func (co *Coordinator) RunPhase1(ctx context.Context, c *Commit, rawTx []byte) error {
	const op = "coordinator.RunPhase1"
	if c.State != StateNotStarted {
		return errs.IllegalTransition(op, c.State.String(), StatePhase1Waiting.String()).WithSwitch(c.SwitchID)
	}
	tx, _, err := chain.DecodeTx(rawTx)
	if err != nil {
		c.FailurePhase = FailurePhaseOne
		_ = c.transition(StateFailed, co.nowFn(), "phase1 decode failed: "+err.Error())
		return err
	}
	amount, err := chain.TotalOutputValue(tx)
	if err != nil {
		c.FailurePhase = FailurePhaseOne
		_ = c.transition(StateFailed, co.nowFn(), "phase1 value check failed: "+err.Error())
		return err
	}

	txid, err := co.broadcaster.Broadcast(ctx, rawTx)
	if err != nil {
		c.FailurePhase = FailurePhaseOne
		_ = c.transition(StateFailed, co.nowFn(), "phase1 broadcast failed: "+err.Error())
		return errs.New(errs.KindTransient, op, err).WithSwitch(c.SwitchID)
	}
	c.BitcoinTxid = txid
	if err := c.transition(StatePhase1Waiting, co.nowFn(), fmt.Sprintf("broadcast accepted, txid=%s amount=%s", txid, amount)); err != nil {
		return err
	}

	if _, err := co.monitor.WaitForConfirmation(ctx, txid); err != nil {
		c.FailurePhase = FailurePhaseOne
		_ = c.transition(StateFailed, co.nowFn(), "phase1 confirmation failed: "+err.Error())
		return errs.New(errs.KindTimeout, op, err).WithSwitch(c.SwitchID)
	}
	return c.transition(StatePhase1Confirmed, co.nowFn(), "confirmed")
}

// RunPhase2 publishes every fragment in order, enforcing quorum after
// each one, and may only be invoked from Phase1Confirmed.
func (co *Coordinator) RunPhase2(ctx context.Context, c *Commit, events []relay.Event) error {
	const op = "coordinator.RunPhase2"
	if c.State != StatePhase1Confirmed {
		return errs.IllegalTransition(op, c.State.String(), StatePhase2Publishing.String()).WithSwitch(c.SwitchID)
	}
	if err := c.transition(StatePhase2Publishing, co.nowFn(), fmt.Sprintf("publishing %d fragments", len(events))); err != nil {
		return err
	}

	for _, e := range events {
		result, err := co.publisher.PublishFragment(ctx, e)
		if err != nil || !result.QuorumMet {
			c.FailurePhase = FailurePhaseTwo
			c.QuorumShortfall = result.Attempted - result.SuccessCount
			_ = c.transition(StateFailed, co.nowFn(), fmt.Sprintf("fragment %d quorum not met: %d/%d", e.FragmentIndex, result.SuccessCount, result.Attempted))
			return errs.New(errs.KindQuorum, op, fmt.Errorf("fragment %d: quorum not met (%d/%d)", e.FragmentIndex, result.SuccessCount, result.Attempted)).WithSwitch(c.SwitchID).WithFragment(int(e.FragmentIndex))
		}
	}

	if err := c.transition(StatePhase2Complete, co.nowFn(), "all fragments published"); err != nil {
		return err
	}
	return c.transition(StateCommitted, co.nowFn(), "commit complete")
}

// Rollback transitions a non-terminal commit to RolledBack. The on-chain
// transaction, if any, is immutable; this only records local state and
// the outstanding txid for operator follow-up.
func (co *Coordinator) Rollback(c *Commit, reason string) error {
	const op = "coordinator.Rollback"
	if c.State.IsTerminal() {
		return errs.IllegalTransition(op, c.State.String(), StateRolledBack.String()).WithSwitch(c.SwitchID)
	}
	return c.transition(StateRolledBack, co.nowFn(), reason)
}
