// Package store is the embedded persistence layer: switch records,
// fragment metadata, check-in log, audit log, and commit-state history,
// one bbolt bucket per entity type, following the usual
// bucket-per-entity, encode/decode-around-Update/View shape: "switches",
// "fragment_meta", "checkin_log", "commit_history", "audit_log".
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/1e9c9h9o/echolock-sub005/internal/errs"
)

var (
	bucketSwitches = []byte("switches")
	bucketFragments = []byte("fragment_meta")
	bucketCheckins = []byte("checkin_log")
	bucketCommits = []byte("commit_history")
	bucketAudit = []byte("audit_log")
)

// DB wraps a bbolt handle with the bucket set this service needs.
type DB struct {
	bdb *bolt.DB
}

// Open creates/opens the bbolt file at path and ensures every bucket
// exists.
func Open(path string) (*DB, error) {
	const op = "store.Open"
	if path == "" {
		return nil, errs.New(errs.KindInput, op, fmt.Errorf("path required"))
	}
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errs.New(errs.KindFatal, op, fmt.Errorf("open bbolt: %w", err))
	}
	d := &DB{bdb: bdb}
	if err := d.bdb.Update(func(tx *bolt.Tx) error {
			for _, b := range [][]byte{bucketSwitches, bucketFragments, bucketCheckins, bucketCommits, bucketAudit} {
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return fmt.Errorf("create bucket %s: %w", string(b), err)
				}
			}
			return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, errs.New(errs.KindFatal, op, err)
	}
	return d, nil
}

// Close closes the underlying bbolt handle.
func (d *DB) Close() error {
	if d == nil || d.bdb == nil {
		return nil
	}
	return d.bdb.Close()
}

// SwitchRecord is the durable representation of a Switch.
type SwitchRecord struct {
	SwitchID string
	OwnerID string
	Status string // Armed, Triggered, Released, Cancelled
	CreatedAt int64
	ExpiresAt int64
	IntervalSec int64
	CheckInCount int64
	Threshold int
	TotalFragments int
	RelayURLs []string
	BitcoinTxid string
	UseChainAnchor bool

	SealedCiphertext []byte
	SealedIV []byte
	SealedTag []byte
	KDFSalt []byte
	TransportKeyWrapped []byte
}

// PutSwitch upserts a SwitchRecord.
func (d *DB) PutSwitch(r SwitchRecord) error {
	const op = "store.PutSwitch"
	val, err := json.Marshal(r)
	if err != nil {
		return errs.New(errs.KindInput, op, err).WithSwitch(r.SwitchID)
	}
	return d.bdb.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketSwitches).Put([]byte(r.SwitchID), val)
	})
}

// GetSwitch fetches a SwitchRecord by id.
func (d *DB) GetSwitch(switchID string) (*SwitchRecord, bool, error) {
	const op = "store.GetSwitch"
	var out *SwitchRecord
	err := d.bdb.View(func(tx *bolt.Tx) error {
			v := tx.Bucket(bucketSwitches).Get([]byte(switchID))
			if v == nil {
				return nil
			}
			var r SwitchRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = &r
			return nil
	})
	if err != nil {
		return nil, false, errs.New(errs.KindFatal, op, err).WithSwitch(switchID)
	}
	if out == nil {
		return nil, false, nil
	}
	return out, true, nil
}

// ScanArmedSwitches calls fn for every switch with Status == "Armed",
// used by the timer driver's periodic scan.
func (d *DB) ScanArmedSwitches(fn func(SwitchRecord) error) error {
	const op = "store.ScanArmedSwitches"
	err := d.bdb.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(bucketSwitches).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var r SwitchRecord
				if err := json.Unmarshal(v, &r); err != nil {
					return err
				}
				if r.Status != "Armed" {
					continue
				}
				if err := fn(r); err != nil {
					return err
				}
			}
			return nil
	})
	if err != nil {
		return errs.New(errs.KindFatal, op, err)
	}
	return nil
}

// FragmentMeta is the minimal on-disk record of a published fragment: the
// event id that carried a given index and when it was published. It holds
// no fragment content.
type FragmentMeta struct {
	SwitchID string
	FragmentIndex int
	EventID string
	PublishedAt int64
}

// PutFragmentMeta stores metadata for one published fragment.
func (d *DB) PutFragmentMeta(m FragmentMeta) error {
	const op = "store.PutFragmentMeta"
	val, err := json.Marshal(m)
	if err != nil {
		return errs.New(errs.KindInput, op, err).WithSwitch(m.SwitchID)
	}
	key := fmt.Sprintf("%s:%d", m.SwitchID, m.FragmentIndex)
	return d.bdb.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketFragments).Put([]byte(key), val)
	})
}

// CheckInEvent is one append-only check-in log entry.
type CheckInEvent struct {
	SwitchID string
	At int64
	NewExpiresAt int64
}

// AppendCheckIn records a check-in under a monotonic sequence key.
func (d *DB) AppendCheckIn(e CheckInEvent) error {
	const op = "store.AppendCheckIn"
	val, err := json.Marshal(e)
	if err != nil {
		return errs.New(errs.KindInput, op, err).WithSwitch(e.SwitchID)
	}
	return d.bdb.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketCheckins)
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			key := fmt.Sprintf("%s:%020d", e.SwitchID, seq)
			return b.Put([]byte(key), val)
	})
}

// CommitHistoryEntry persists one coordinator state transition.
type CommitHistoryEntry struct {
	SwitchID string
	From string
	To string
	At int64
	Note string
}

// AppendCommitTransition records one coordinator.Transition.
func (d *DB) AppendCommitTransition(e CommitHistoryEntry) error {
	const op = "store.AppendCommitTransition"
	val, err := json.Marshal(e)
	if err != nil {
		return errs.New(errs.KindInput, op, err).WithSwitch(e.SwitchID)
	}
	return d.bdb.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketCommits)
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			key := fmt.Sprintf("%s:%020d", e.SwitchID, seq)
			return b.Put([]byte(key), val)
	})
}

// AuditEntry is one append-only audit-log record (release/delivery
// outcomes, step 7).
type AuditEntry struct {
	SwitchID string
	At int64
	Event string
	Detail string
}

// AppendAudit records one audit entry.
func (d *DB) AppendAudit(e AuditEntry) error {
	const op = "store.AppendAudit"
	val, err := json.Marshal(e)
	if err != nil {
		return errs.New(errs.KindInput, op, err).WithSwitch(e.SwitchID)
	}
	return d.bdb.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketAudit)
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			key := fmt.Sprintf("%s:%020d", e.SwitchID, seq)
			return b.Put([]byte(key), val)
	})
}
