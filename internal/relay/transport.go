package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1e9c9h9o/echolock-sub005/internal/errs"
)

func encodeContentB64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeContentB64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.New(errs.KindInput, "relay.decodeContentB64", err)
	}
	return b, nil
}

// DefaultPerRelayTimeout is the publish deadline names.
const DefaultPerRelayTimeout = 10 * time.Second

// wireEvent is the JSON-over-websocket shape used on the wire; the tag
// names (`d`, `expiration`, `fragment_index`, `version`, `bitcoin`) are
// kept stringly-typed for interop with the deployed relay ecosystem.
type wireEvent struct {
	ID string `json:"id"`
	Pubkey string `json:"pubkey"`
	CreatedAt int64 `json:"created_at"`
	Kind int `json:"kind"`
	Tags [][2]string `json:"tags"`
	Content string `json:"content"`
	Sig string `json:"sig"`
}

func toWireEvent(e Event) wireEvent {
	tags := [][2]string{
		{"d", e.D},
		{"fragment_index", fmt.Sprintf("%d", e.FragmentIndex)},
		{"version", fmt.Sprintf("%d", e.Version)},
		{"expiration", fmt.Sprintf("%d", e.Expiration)},
	}
	if e.BitcoinTxid != "" {
		tags = append(tags, [2]string{"bitcoin", e.BitcoinTxid})
	}
	return wireEvent{
		ID: e.ID,
		Pubkey: e.PubkeyHex,
		CreatedAt: e.CreatedAt,
		Kind: e.Kind,
		Tags: tags,
		Content: encodeContentB64(e.Content),
		Sig: e.SigHex,
	}
}

func fromWireEvent(w wireEvent) (Event, error) {
	e := Event{
		ID: w.ID,
		PubkeyHex: w.Pubkey,
		CreatedAt: w.CreatedAt,
		Kind: w.Kind,
		SigHex: w.Sig,
	}
	content, err := decodeContentB64(w.Content)
	if err != nil {
		return Event{}, err
	}
	e.Content = content
	for _, tag := range w.Tags {
		switch tag[0] {
			case "d":
			e.D = tag[1]
			case "fragment_index":
			var idx int
			fmt.Sscanf(tag[1], "%d", &idx)
			e.FragmentIndex = uint8(idx)
			case "version":
			var v int
			fmt.Sscanf(tag[1], "%d", &v)
			e.Version = uint8(v)
			case "expiration":
			var exp int64
			fmt.Sscanf(tag[1], "%d", &exp)
			e.Expiration = exp
			case "bitcoin":
			e.BitcoinTxid = tag[1]
		}
	}
	return e, nil
}

// Outcome is the per-relay result of a single publish attempt.
type Outcome struct {
	OK bool
	Reason string
}

// Transport is the narrow interface the relay Client drives; production
// code uses websocketTransport, tests inject a fake.
type Transport interface {
	Publish(ctx context.Context, relayURL string, e Event) (Outcome, error)
	Query(ctx context.Context, relayURL string, switchIDHex string) ([]Event, error)
}

// WebsocketTransport speaks a minimal addressable-event-over-websocket
// protocol: ["EVENT", event] to publish, ["OK", id, ok, msg] as ack;
// ["REQ", subID, filter] to query, ["EVENT", subID, event]*, ["EOSE",
// subID] to end.
type WebsocketTransport struct {
	Dialer *websocket.Dialer
}

// NewWebsocketTransport builds a transport with sane dial timeouts.
func NewWebsocketTransport() *WebsocketTransport {
	return &WebsocketTransport{
		Dialer: &websocket.Dialer{HandshakeTimeout: DefaultPerRelayTimeout},
	}
}

func (t *WebsocketTransport) dial(ctx context.Context, relayURL string) (*websocket.Conn, error) {
	conn, _, err := t.Dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, errs.New(errs.KindTransient, "relay.Transport.dial", err)
	}
	return conn, nil
}

func (t *WebsocketTransport) Publish(ctx context.Context, relayURL string, e Event) (Outcome, error) {
	conn, err := t.dial(ctx, relayURL)
	if err != nil {
		return Outcome{}, err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	msg := []interface{}{"EVENT", toWireEvent(e)}
	if err := conn.WriteJSON(msg); err != nil {
		return Outcome{}, errs.New(errs.KindTransient, "relay.Transport.Publish", err)
	}

	var resp []json.RawMessage
	if err := conn.ReadJSON(&resp); err != nil {
		return Outcome{}, errs.New(errs.KindTransient, "relay.Transport.Publish", err)
	}
	if len(resp) < 3 {
		return Outcome{}, errs.New(errs.KindTransient, "relay.Transport.Publish", fmt.Errorf("malformed OK response"))
	}
	var frameType, eventID string
	var accepted bool
	var reason string
	_ = json.Unmarshal(resp[0], &frameType)
	if frameType != "OK" {
		return Outcome{}, errs.New(errs.KindTransient, "relay.Transport.Publish", fmt.Errorf("unexpected frame %q", frameType))
	}
	_ = json.Unmarshal(resp[1], &eventID)
	_ = json.Unmarshal(resp[2], &accepted)
	if len(resp) > 3 {
		_ = json.Unmarshal(resp[3], &reason)
	}
	return Outcome{OK: accepted, Reason: reason}, nil
}

func (t *WebsocketTransport) Query(ctx context.Context, relayURL string, switchIDHex string) ([]Event, error) {
	conn, err := t.dial(ctx, relayURL)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	subID := "sub-" + switchIDHex
	filter := map[string]interface{}{
		"kinds": []int{FragmentEventKind},
		"#d": []string{switchIDHex + ":*"},
	}
	if err := conn.WriteJSON([]interface{}{"REQ", subID, filter}); err != nil {
		return nil, errs.New(errs.KindTransient, "relay.Transport.Query", err)
	}

	var events []Event
	for {
		var frame []json.RawMessage
		if err := conn.ReadJSON(&frame); err != nil {
			return events, errs.New(errs.KindTransient, "relay.Transport.Query", err)
		}
		if len(frame) == 0 {
			continue
		}
		var frameType string
		_ = json.Unmarshal(frame[0], &frameType)
		switch frameType {
			case "EVENT":
			if len(frame) < 3 {
				continue
			}
			var we wireEvent
			if err := json.Unmarshal(frame[2], &we); err != nil {
				continue
			}
			ev, err := fromWireEvent(we)
			if err != nil {
				continue
			}
			events = append(events, ev)
			case "EOSE":
			return events, nil
			default:
			continue
		}
	}
}
