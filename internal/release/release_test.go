package release

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/1e9c9h9o/echolock-sub005/internal/errs"
	"github.com/1e9c9h9o/echolock-sub005/internal/relay"
	"github.com/1e9c9h9o/echolock-sub005/internal/store"
	"github.com/1e9c9h9o/echolock-sub005/internal/switchlife"
	"github.com/1e9c9h9o/echolock-sub005/internal/telemetry"
)

func testMasterKey() []byte {
	return []byte("01234567890123456789012345678901")[:32]
}

type fakeRetriever struct {
	events []relay.Event
}

func (f *fakeRetriever) QueryFragments(ctx context.Context, switchIDHex string) ([]relay.Event, error) {
	return f.events, nil
}

type recordingDeliverer struct {
	delivered []byte
}

func (d *recordingDeliverer) Deliver(ctx context.Context, switchID string, plaintext []byte) error {
	d.delivered = append([]byte(nil), plaintext...)
	return nil
}

func setupSwitch(t *testing.T, plaintext []byte, n, k int) (*store.DB, *switchlife.CreateResult, []relay.Event) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "echolock.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	svc := switchlife.NewService(db, nil, testMasterKey(), telemetry.NewNop(), telemetry.NewMetrics(), nil, nil)
	req := switchlife.CreateRequest{
		OwnerID: "owner-1", Plaintext: plaintext, IntervalSec: 3600,
		Threshold: k, TotalFragments: n,
		RelayURLs: []string{"a", "b", "c", "d", "e", "f", "g"},
	}
	result, _, events, _, err := svc.Create(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.PersistArmed(req, result, "", false); err != nil {
		t.Fatal(err)
	}
	return db, result, events
}

func TestReleaseHappyPath(t *testing.T) {
	db, result, events := setupSwitch(t, []byte("hello"), 5, 3)
	switchID := result.SwitchID

	retriever := &fakeRetriever{events: events}
	deliverer := &recordingDeliverer{}
	pipeline := NewPipeline(db, retriever, deliverer, testMasterKey(), telemetry.NewNop(), telemetry.NewMetrics())

	if err := pipeline.Release(context.Background(), switchID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if string(deliverer.delivered) != "hello" {
		t.Fatalf("expected delivered plaintext 'hello', got %q", deliverer.delivered)
	}
}

func TestReleaseToleratesCorruptedFragmentsWithinThreshold(t *testing.T) {
	db, result, events := setupSwitch(t, []byte("hello"), 5, 3)
	switchID := result.SwitchID

	corrupted := append([]relay.Event(nil), events...)
	corrupted[0].Content = append([]byte(nil), corrupted[0].Content...)
	corrupted[0].Content[len(corrupted[0].Content)-1] ^= 0xFF
	corrupted[1].Content = append([]byte(nil), corrupted[1].Content...)
	corrupted[1].Content[len(corrupted[1].Content)-1] ^= 0xFF

	retriever := &fakeRetriever{events: corrupted}
	deliverer := &recordingDeliverer{}
	pipeline := NewPipeline(db, retriever, deliverer, testMasterKey(), telemetry.NewNop(), telemetry.NewMetrics())

	if err := pipeline.Release(context.Background(), switchID); err != nil {
		t.Fatalf("expected release to tolerate 2 corrupted fragments with threshold 3, got %v", err)
	}
	if string(deliverer.delivered) != "hello" {
		t.Fatalf("expected delivered plaintext 'hello', got %q", deliverer.delivered)
	}
}

func TestReleaseFailsBelowThreshold(t *testing.T) {
	db, result, events := setupSwitch(t, []byte("hello"), 5, 3)
	switchID := result.SwitchID

	corrupted := append([]relay.Event(nil), events...)
	for i := 0; i < 3; i++ {
		corrupted[i].Content = append([]byte(nil), corrupted[i].Content...)
		corrupted[i].Content[len(corrupted[i].Content)-1] ^= 0xFF
	}

	retriever := &fakeRetriever{events: corrupted}
	deliverer := &recordingDeliverer{}
	pipeline := NewPipeline(db, retriever, deliverer, testMasterKey(), telemetry.NewNop(), telemetry.NewMetrics())

	err := pipeline.Release(context.Background(), switchID)
	if !errs.Is(err, errs.KindQuorum) {
		t.Fatalf("expected quorum/insufficient-shares error, got %v", err)
	}
	if deliverer.delivered != nil {
		t.Fatalf("expected no plaintext delivered on insufficient shares")
	}
}

func TestReleaseUnwrapFailureOnWrongMasterKey(t *testing.T) {
	db, result, events := setupSwitch(t, []byte("hello"), 5, 3)
	switchID := result.SwitchID

	retriever := &fakeRetriever{events: events}
	deliverer := &recordingDeliverer{}
	wrongKey := []byte("99999999999999999999999999999999")[:32]
	pipeline := NewPipeline(db, retriever, deliverer, wrongKey, telemetry.NewNop(), telemetry.NewMetrics())

	err := pipeline.Release(context.Background(), switchID)
	if !errs.Is(err, errs.KindFatal) {
		t.Fatalf("expected fatal unwrap error, got %v", err)
	}
}
