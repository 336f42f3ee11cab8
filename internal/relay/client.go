package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/1e9c9h9o/echolock-sub005/internal/errs"
	"github.com/1e9c9h9o/echolock-sub005/internal/telemetry"
)

// DefaultMinPublishQuorum is the default: at least 5 of a
// pool of 7+ configured relays must accept a publish for it to count as
// durable.
const DefaultMinPublishQuorum = 5

// Config is the relay pool's static configuration.
type Config struct {
	RelayURLs []string
	MinPublishQuorum int
	PerRelayTimeout time.Duration
	FailureThreshold int
	Cooldown time.Duration
}

// PublishResult is the outcome of one PublishFragment call across the
// whole pool.
type PublishResult struct {
	SuccessCount int
	Attempted int
	QuorumMet bool
	PerRelay map[string]error // nil value means success
}

// Client drives a pool of relays: parallel publish with per-relay
// deadlines, circuit breaking per relay, and quorum counting.
type Client struct {
	cfg Config
	transport Transport
	log *zap.Logger
	metrics *telemetry.Metrics

	mu sync.Mutex
	health map[string]*Health
}

// NewClient builds a Client over the given transport (production callers
// pass NewWebsocketTransport(); tests inject a fake).
func NewClient(cfg Config, transport Transport, log *zap.Logger, metrics *telemetry.Metrics) *Client {
	if cfg.MinPublishQuorum <= 0 {
		cfg.MinPublishQuorum = DefaultMinPublishQuorum
	}
	if cfg.PerRelayTimeout <= 0 {
		cfg.PerRelayTimeout = DefaultPerRelayTimeout
	}
	health := make(map[string]*Health, len(cfg.RelayURLs))
	for _, u := range cfg.RelayURLs {
		health[u] = NewHealth(cfg.FailureThreshold, cfg.Cooldown)
	}
	return &Client{cfg: cfg, transport: transport, log: log, metrics: metrics, health: health}
}

// PublishFragment publishes e to every configured relay in parallel,
// respecting each relay's circuit-breaker state and per-relay timeout,
// and reports whether the configured quorum was met.
func (c *Client) PublishFragment(ctx context.Context, e Event) (PublishResult, error) {
	const op = "relay.Client.PublishFragment"
	if err := VerifyEvent(e); err != nil {
		return PublishResult{}, errs.New(errs.KindFatal, op, err)
	}

	now := time.Now()
	type attempt struct {
		url string
		err error
	}
	results := make(chan attempt, len(c.cfg.RelayURLs))
	attempted := 0

	for _, url := range c.cfg.RelayURLs {
		c.mu.Lock()
		h := c.health[url]
		allowed := h == nil || h.Allow(now)
		c.mu.Unlock()
		if !allowed {
			if c.log != nil {
				c.log.Warn("relay circuit open, skipping publish", zap.String("relay", url))
			}
			continue
		}
		attempted++
		go func(u string) {
			rctx, cancel := context.WithTimeout(ctx, c.cfg.PerRelayTimeout)
			defer cancel()
			outcome, err := c.transport.Publish(rctx, u, e)
			c.mu.Lock()
			if h := c.health[u]; h != nil {
				if err == nil && outcome.OK {
					h.RecordSuccess(time.Now())
				} else {
					h.RecordFailure(time.Now())
				}
			}
			c.mu.Unlock()
			if err == nil && !outcome.OK {
				err = errs.New(errs.KindTransient, op, errRelayRejected{reason: outcome.Reason})
			}
			results <- attempt{url: u, err: err}
		}(url)
	}

	perRelay := make(map[string]error, attempted)
	successCount := 0
	for i := 0; i < attempted; i++ {
		a := <-results
		perRelay[a.url] = a.err
		outcome := "success"
		if a.err == nil {
			successCount++
		} else {
			outcome = "failure"
			if c.log != nil {
				c.log.Warn("relay publish failed", zap.String("relay", a.url), zap.Error(a.err))
			}
		}
		if c.metrics != nil {
			c.metrics.RelayPublishTotal.WithLabelValues(a.url, outcome).Inc()
		}
	}

	quorumMet := successCount >= c.cfg.MinPublishQuorum
	result := PublishResult{SuccessCount: successCount, Attempted: attempted, QuorumMet: quorumMet, PerRelay: perRelay}
	if !quorumMet {
		return result, errs.New(errs.KindQuorum, op, errQuorumNotMet{got: successCount, want: c.cfg.MinPublishQuorum})
	}
	return result, nil
}

// QueryFragments queries every healthy relay for events tagged with the
// given switch id and returns the de-duplicated union, keyed by
// (fragment index, event id). Multiple distinct events can exist for the
// same index — e.g. an older version still being served by a lagging
// relay, or a version that is corrupted at its serving relay — and the
// caller, not this client, decides which one to use.
func (c *Client) QueryFragments(ctx context.Context, switchIDHex string) ([]Event, error) {
	const op = "relay.Client.QueryFragments"
	type attempt struct {
		events []Event
		err error
	}
	now := time.Now()
	results := make(chan attempt, len(c.cfg.RelayURLs))
	attempted := 0

	for _, url := range c.cfg.RelayURLs {
		c.mu.Lock()
		h := c.health[url]
		allowed := h == nil || h.Allow(now)
		c.mu.Unlock()
		if !allowed {
			continue
		}
		attempted++
		go func(u string) {
			rctx, cancel := context.WithTimeout(ctx, c.cfg.PerRelayTimeout)
			defer cancel()
			events, err := c.transport.Query(rctx, u, switchIDHex)
			c.mu.Lock()
			if h := c.health[u]; h != nil {
				if err == nil {
					h.RecordSuccess(time.Now())
				} else {
					h.RecordFailure(time.Now())
				}
			}
			c.mu.Unlock()
			results <- attempt{events: events, err: err}
		}(url)
	}

	type key struct {
		idx uint8
		id string
	}
	seen := make(map[key]Event)
	var lastErr error
	for i := 0; i < attempted; i++ {
		a := <-results
		if a.err != nil {
			lastErr = a.err
			continue
		}
		for _, e := range a.events {
			if err := VerifyEvent(e); err != nil {
				if c.log != nil {
					c.log.Warn("dropping event with invalid signature", zap.String("id", e.ID))
				}
				continue
			}
			k := key{idx: e.FragmentIndex, id: e.ID}
			seen[k] = e
		}
	}
	if len(seen) == 0 && lastErr != nil {
		return nil, errs.New(errs.KindTransient, op, lastErr)
	}
	out := make([]Event, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	return out, nil
}

type errQuorumNotMet struct {
	got, want int
}

func (e errQuorumNotMet) Error() string {
	return "publish quorum not met"
}

type errRelayRejected struct {
	reason string
}

func (e errRelayRejected) Error() string {
	if e.reason == "" {
		return "relay rejected event"
	}
	return "relay rejected event: " + e.reason
}
