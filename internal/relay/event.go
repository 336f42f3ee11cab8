// Package relay implements C4: publishing signed, addressable fragment
// events to a pool of untrusted gossip-style relays over websockets, with
// per-relay outcome tracking, circuit breaking, and quorum enforcement.
// The wire shape intentionally mirrors the deployed relay ecosystem's
// stringly-typed tag names: `d`, `expiration`, `fragment_index`,
// `version`, `bitcoin`.
package relay

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"

	"github.com/1e9c9h9o/echolock-sub005/internal/errs"
)

// FragmentEventKind is the addressable event kind used for published
// fragments; relays that implement parameterized-replaceable semantics
// store only the latest event per (pubkey, kind, d-tag).
const FragmentEventKind = 30078

// Event is the transport representation of a Fragment: addressable by (switch_id, fragment_index), signed by the
// per-switch transport key, tagged with expiration and optional
// bitcoin_txid.
type Event struct {
	ID string // hex sha256 over the signable fields
	PubkeyHex string
	CreatedAt int64
	Kind int
	D string // "switch_id:index"
	FragmentIndex uint8
	Version uint8
	Expiration int64
	BitcoinTxid string // hex, empty if absent
	Content []byte // the encoded fragment (internal/fragment.Encode output)
	SigHex string
}

// TransportKeypair is the per-switch signing identity used to publish
// events; the private key is sealed at rest under the service master key
// via crypto.AESKeyWrapRFC3394.
type TransportKeypair struct {
	priv *secp256k1.PrivateKey
}

// GenerateTransportKeypair creates a fresh per-switch signing key.
func GenerateTransportKeypair() (*TransportKeypair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, errs.New(errs.KindFatal, "relay.GenerateTransportKeypair", err)
	}
	return &TransportKeypair{priv: priv}, nil
}

// TransportKeypairFromBytes reconstructs a keypair from an unwrapped
// 32-byte private scalar (the output of crypto.AESKeyUnwrapRFC3394).
func TransportKeypairFromBytes(b []byte) (*TransportKeypair, error) {
	if len(b) != 32 {
		return nil, errs.New(errs.KindInput, "relay.TransportKeypairFromBytes", fmt.Errorf("private key must be 32 bytes"))
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	return &TransportKeypair{priv: priv}, nil
}

// Bytes returns the raw 32-byte private scalar, for sealing at rest.
// Callers must crypto.Zeroize the result once wrapped.
func (k *TransportKeypair) Bytes() []byte {
	b := k.priv.Serialize()
	return b
}

// PubkeyHex returns the x-only public key hex (BIP-340 style), the
// identity used as the event's pubkey field.
func (k *TransportKeypair) PubkeyHex() string {
	pub := k.priv.PubKey()
	return hex.EncodeToString(schnorr.SerializePubKey(pub))
}

func eventSignableID(e Event) [32]byte {
	h := sha256.New()
	h.Write([]byte(e.PubkeyHex))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.CreatedAt))
	h.Write(ts[:])
	var kindBuf [4]byte
	binary.BigEndian.PutUint32(kindBuf[:], uint32(e.Kind))
	h.Write(kindBuf[:])
	h.Write([]byte(e.D))
	h.Write([]byte{e.FragmentIndex, e.Version})
	var expBuf [8]byte
	binary.BigEndian.PutUint64(expBuf[:], uint64(e.Expiration))
	h.Write(expBuf[:])
	h.Write([]byte(e.BitcoinTxid))
	h.Write(e.Content)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// BuildEvent constructs and signs an Event wrapping the given fragment
// bytes. nowUnix is injected so callers/tests control CreatedAt without
// wall-clock dependence.
func BuildEvent(
	key *TransportKeypair,
	switchIDHex string,
	index uint8,
	version uint8,
	fragmentBytes []byte,
	expiration int64,
	bitcoinTxidHex string,
	nowUnix int64,
) (Event, error) {
	const op = "relay.BuildEvent"
	if key == nil {
		return Event{}, errs.New(errs.KindInput, op, fmt.Errorf("nil transport key"))
	}
	e := Event{
		PubkeyHex: key.PubkeyHex(),
		CreatedAt: nowUnix,
		Kind: FragmentEventKind,
		D: fmt.Sprintf("%s:%d", switchIDHex, index),
		FragmentIndex: index,
		Version: version,
		Expiration: expiration,
		BitcoinTxid: bitcoinTxidHex,
		Content: fragmentBytes,
	}
	id := eventSignableID(e)
	e.ID = hex.EncodeToString(id[:])

	sig, err := schnorr.Sign(key.priv, id[:])
	if err != nil {
		return Event{}, errs.New(errs.KindFatal, op, err)
	}
	e.SigHex = hex.EncodeToString(sig.Serialize())
	return e, nil
}

// VerifyEvent checks that an event's signature matches its claimed
// pubkey and that its content hash is internally consistent. Invalid
// signatures are treated as a programmer error, never a soft
// relay-failure outcome.
func VerifyEvent(e Event) error {
	const op = "relay.VerifyEvent"
	pubBytes, err := hex.DecodeString(e.PubkeyHex)
	if err != nil {
		return errs.New(errs.KindInput, op, fmt.Errorf("pubkey: %w", err))
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return errs.New(errs.KindInput, op, fmt.Errorf("pubkey parse: %w", err))
	}
	sigBytes, err := hex.DecodeString(e.SigHex)
	if err != nil {
		return errs.New(errs.KindInput, op, fmt.Errorf("sig: %w", err))
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return errs.New(errs.KindInput, op, fmt.Errorf("sig parse: %w", err))
	}
	id := eventSignableID(e)
	wantID, err := hex.DecodeString(e.ID)
	if err != nil || len(wantID) != 32 {
		return errs.New(errs.KindInput, op, fmt.Errorf("event id malformed"))
	}
	for i := range id {
		if id[i] != wantID[i] {
			return errs.New(errs.KindAuth, op, fmt.Errorf("event id does not match computed signable hash"))
		}
	}
	if !sig.Verify(id[:], pub) {
		return errs.New(errs.KindFatal, op, fmt.Errorf("invalid event signature"))
	}
	return nil
}
