package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/1e9c9h9o/echolock-sub005/internal/telemetry"
)

// fakeTransport lets tests script per-relay outcomes without a real
// websocket dial.
type fakeTransport struct {
	mu sync.Mutex
	publishFn func(relayURL string) (Outcome, error)
	queryFn func(relayURL string) ([]Event, error)
}

func (f *fakeTransport) Publish(ctx context.Context, relayURL string, e Event) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publishFn(relayURL)
}

func (f *fakeTransport) Query(ctx context.Context, relayURL string, switchIDHex string) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryFn(relayURL)
}

func relayURLs(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = "wss://relay-" + string(rune('a'+i)) + ".example"
	}
	return urls
}

func TestPublishFragmentMeetsQuorum(t *testing.T) {
	urls := relayURLs(7)
	ft := &fakeTransport{publishFn: func(relayURL string) (Outcome, error) {
		return Outcome{OK: true}, nil
	}}
	c := NewClient(Config{RelayURLs: urls, MinPublishQuorum: 5}, ft, telemetry.NewNop(), telemetry.NewMetrics())

	key, _ := GenerateTransportKeypair()
	e, err := BuildEvent(key, "0123456789abcdef0123456789abcdef", 0, 1, []byte("frag"), 1_800_000_000, "", 1_700_000_000)
	if err != nil {
		t.Fatal(err)
	}

	result, err := c.PublishFragment(context.Background(), e)
	if err != nil {
		t.Fatalf("expected quorum met, got error %v", err)
	}
	if !result.QuorumMet || result.SuccessCount != 7 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestPublishFragmentFailsQuorum(t *testing.T) {
	urls := relayURLs(7)
	var mu sync.Mutex
	failed := 0
	ft := &fakeTransport{publishFn: func(relayURL string) (Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		failed++
		if failed <= 4 {
			return Outcome{}, errPublishTest{}
		}
		return Outcome{OK: true}, nil
	}}
	c := NewClient(Config{RelayURLs: urls, MinPublishQuorum: 5}, ft, telemetry.NewNop(), telemetry.NewMetrics())

	key, _ := GenerateTransportKeypair()
	e, err := BuildEvent(key, "0123456789abcdef0123456789abcdef", 0, 1, []byte("frag"), 1_800_000_000, "", 1_700_000_000)
	if err != nil {
		t.Fatal(err)
	}

	result, err := c.PublishFragment(context.Background(), e)
	if err == nil {
		t.Fatalf("expected quorum-not-met error")
	}
	if result.QuorumMet {
		t.Fatalf("expected quorum not met, got %+v", result)
	}
}

func TestQueryFragmentsDedupesByIDButKeepsDistinctVersions(t *testing.T) {
	key, _ := GenerateTransportKeypair()
	older, _ := BuildEvent(key, "0123456789abcdef0123456789abcdef", 3, 1, []byte("old"), 1_800_000_000, "", 1_700_000_000)
	newer, _ := BuildEvent(key, "0123456789abcdef0123456789abcdef", 3, 2, []byte("new"), 1_800_000_000, "", 1_700_000_100)

	urls := []string{"wss://relay-a.example", "wss://relay-b.example"}
	calls := 0
	var mu sync.Mutex
	ft := &fakeTransport{queryFn: func(relayURL string) ([]Event, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			// relay-a is lagging and only has the old version
			return []Event{older}, nil
		}
		// relay-b has both: the one it holds plus a repeat of what
		// relay-a already returned, which must collapse to one entry
		return []Event{newer, older}, nil
	}}
	c := NewClient(Config{RelayURLs: urls}, ft, telemetry.NewNop(), telemetry.NewMetrics())

	events, err := c.QueryFragments(context.Background(), "0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected both distinct versions returned for the caller to choose from, got %d", len(events))
	}
	var sawOld, sawNew bool
	for _, e := range events {
		switch string(e.Content) {
		case "old":
			sawOld = true
		case "new":
			sawNew = true
		}
	}
	if !sawOld || !sawNew {
		t.Fatalf("expected both old and new versions present, got %+v", events)
	}
}

func TestPublishSkipsOpenCircuit(t *testing.T) {
	urls := []string{"wss://relay-a.example"}
	attempts := 0
	var mu sync.Mutex
	ft := &fakeTransport{publishFn: func(relayURL string) (Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return Outcome{}, errPublishTest{}
	}}
	c := NewClient(Config{RelayURLs: urls, MinPublishQuorum: 1, FailureThreshold: 1, Cooldown: time.Hour}, ft, telemetry.NewNop(), telemetry.NewMetrics())

	key, _ := GenerateTransportKeypair()
	e, _ := BuildEvent(key, "0123456789abcdef0123456789abcdef", 0, 1, []byte("frag"), 1_800_000_000, "", 1_700_000_000)

	_, _ = c.PublishFragment(context.Background(), e)
	_, _ = c.PublishFragment(context.Background(), e)

	if attempts != 1 {
		t.Fatalf("expected second publish to be skipped by open circuit, attempts=%d", attempts)
	}
}

type errPublishTest struct{}

func (errPublishTest) Error() string { return "simulated publish failure" }
