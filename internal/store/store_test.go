package store

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "echolock.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGetSwitchRoundtrip(t *testing.T) {
	db := openTestDB(t)
	r := SwitchRecord{
		SwitchID: "sw-1",
		OwnerID: "owner-1",
		Status: "Armed",
		CreatedAt: 1_700_000_000,
		ExpiresAt: 1_700_003_600,
		IntervalSec: 3600,
		Threshold: 3,
		TotalFragments: 5,
		RelayURLs: []string{"wss://a.example", "wss://b.example"},
	}
	if err := db.PutSwitch(r); err != nil {
		t.Fatal(err)
	}
	got, ok, err := db.GetSwitch("sw-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("expected switch to be found")
	}
	if got.Status != "Armed" || got.Threshold != 3 || len(got.RelayURLs) != 2 {
		t.Fatalf("unexpected roundtrip: %+v", got)
	}
}

func TestGetSwitchMissingReturnsFalse(t *testing.T) {
	db := openTestDB(t)
	_, ok, err := db.GetSwitch("nope")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected not-found for missing switch")
	}
}

func TestScanArmedSwitchesSkipsOtherStatuses(t *testing.T) {
	db := openTestDB(t)
	_ = db.PutSwitch(SwitchRecord{SwitchID: "armed-1", Status: "Armed"})
	_ = db.PutSwitch(SwitchRecord{SwitchID: "cancelled-1", Status: "Cancelled"})
	_ = db.PutSwitch(SwitchRecord{SwitchID: "armed-2", Status: "Armed"})

	var seen []string
	err := db.ScanArmedSwitches(func(r SwitchRecord) error {
		seen = append(seen, r.SwitchID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 armed switches, got %d: %v", len(seen), seen)
	}
}

func TestAppendCheckInAndCommitAndAuditDoNotError(t *testing.T) {
	db := openTestDB(t)
	if err := db.AppendCheckIn(CheckInEvent{SwitchID: "sw-1", At: 1_700_000_100, NewExpiresAt: 1_700_003_700}); err != nil {
		t.Fatal(err)
	}
	if err := db.AppendCommitTransition(CommitHistoryEntry{SwitchID: "sw-1", From: "phase1_waiting", To: "phase1_confirmed", At: 1_700_000_200}); err != nil {
		t.Fatal(err)
	}
	if err := db.AppendAudit(AuditEntry{SwitchID: "sw-1", At: 1_700_000_300, Event: "delivered"}); err != nil {
		t.Fatal(err)
	}
}

func TestPutFragmentMetaDoesNotError(t *testing.T) {
	db := openTestDB(t)
	if err := db.PutFragmentMeta(FragmentMeta{SwitchID: "sw-1", FragmentIndex: 2, EventID: "abc123", PublishedAt: 1_700_000_400}); err != nil {
		t.Fatal(err)
	}
}
