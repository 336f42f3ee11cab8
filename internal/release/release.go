// Package release implements C8: retrieve fragments from relays, verify
// their framing, decrypt and HMAC-verify shares, threshold-combine the
// message key, decrypt the sealed message, and deliver the plaintext —
// tolerating any mix of missing or corrupted fragments down to the
// configured threshold. The fail-fast-per-unit, never
// silently-skip-auth-failures shape follows internal/sharing.Combine and
// internal/fragment.Decode, generalized into one end-to-end pipeline.
package release

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/1e9c9h9o/echolock-sub005/crypto"
	"github.com/1e9c9h9o/echolock-sub005/internal/errs"
	"github.com/1e9c9h9o/echolock-sub005/internal/fragment"
	"github.com/1e9c9h9o/echolock-sub005/internal/relay"
	"github.com/1e9c9h9o/echolock-sub005/internal/sharing"
	"github.com/1e9c9h9o/echolock-sub005/internal/store"
	"github.com/1e9c9h9o/echolock-sub005/internal/telemetry"
)

const fragmentKeyLabel = "ECHOLOCK-V1-FRAGMENT-KEY"
const shareAuthInfo = "share-auth-v1"

// Deliverer hands decrypted plaintext to an external collaborator
// (email, webhook, etc. — ). Production wiring is outside
// this package's scope; tests inject a fake.
type Deliverer interface {
	Deliver(ctx context.Context, switchID string, plaintext []byte) error
}

// FragmentRetriever is the narrow C4 surface the pipeline needs.
type FragmentRetriever interface {
	QueryFragments(ctx context.Context, switchIDHex string) ([]relay.Event, error)
}

// Pipeline drives C8 against durable storage, the relay pool, and a
// delivery collaborator.
type Pipeline struct {
	db *store.DB
	retriever FragmentRetriever
	deliverer Deliverer
	masterKey []byte
	log *zap.Logger
	metrics *telemetry.Metrics
}

// NewPipeline builds a release Pipeline.
func NewPipeline(db *store.DB, retriever FragmentRetriever, deliverer Deliverer, masterKey []byte, log *zap.Logger, metrics *telemetry.Metrics) *Pipeline {
	return &Pipeline{db: db, retriever: retriever, deliverer: deliverer, masterKey: masterKey, log: log, metrics: metrics}
}

// Release runs the full C8 sequence for a triggered switch.
func (p *Pipeline) Release(ctx context.Context, switchID string) error {
	const op = "release.Pipeline.Release"

	rec, ok, err := p.db.GetSwitch(switchID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.KindInput, op, fmt.Errorf("switch not found")).WithSwitch(switchID)
	}

	transportPriv, err := crypto.AESKeyUnwrapRFC3394(p.masterKey, rec.TransportKeyWrapped)
	if err != nil {
		return errs.New(errs.KindFatal, op, fmt.Errorf("unwrap transport key: %w", err)).WithSwitch(switchID)
	}
	defer crypto.Zeroize(transportPriv)

	// Step 1: retrieve fragments. QueryFragments returns the distinct
	// union across relays, deduplicated by (index, event_id) only — this
	// loop is what picks a usable event per index, falling through to an
	// older or differently-sourced copy if the first one fails to decode
	// or authenticate.
	events, err := p.retriever.QueryFragments(ctx, switchID)
	if err != nil {
		if p.metrics != nil {
			p.metrics.ReleaseOutcomeTotal.WithLabelValues("retrieve_failed").Inc()
		}
		return errs.New(errs.KindTransient, op, err).WithSwitch(switchID)
	}

	fragmentKey := deriveFragmentKey(rec, transportPriv)

	// Steps 2-3 and the index check of step 4: decode framing, decrypt
	// each fragment, match the share index to the fragment index. HMAC
	// verification happens in combineWithDerivedKh below.
	valid := make([]sharing.AuthenticatedShare, 0, len(events))
	for _, e := range events {
		if err := relay.VerifyEvent(e); err != nil {
			p.warnDrop(switchID, int(e.FragmentIndex), "relay event signature invalid", err)
			continue
		}
		f, err := fragment.Decode(e.Content)
		if err != nil {
			p.warnDrop(switchID, int(e.FragmentIndex), "fragment framing invalid", err)
			continue
		}
		shareRecord, err := crypto.AEADDecrypt(fragmentKey, f.Ciphertext, f.IV, f.AuthTag, f.SwitchID[:])
		if err != nil {
			p.warnDrop(switchID, int(e.FragmentIndex), "fragment decrypt failed", err)
			continue
		}
		if len(shareRecord) != 1+sharing.SecretBytes+32 {
			p.warnDrop(switchID, int(e.FragmentIndex), "malformed share record", nil)
			continue
		}
		var sh sharing.AuthenticatedShare
		sh.Index = shareRecord[0]
		copy(sh.ShareBytes[:], shareRecord[1:1+sharing.SecretBytes])
		copy(sh.HMAC[:], shareRecord[1+sharing.SecretBytes:])
		if sh.Index != f.FragmentIndex {
			p.warnDrop(switchID, int(e.FragmentIndex), "share index does not match fragment index", nil)
			continue
		}
		valid = append(valid, sh)
	}

	// Steps 4-5: K_h is derived from K_m, which is exactly what combining
	// recovers — resolved by trying candidate K-subsets raw, deriving a
	// candidate K_h from each, and keeping the first candidate whose
	// derived K_h verifies at least `threshold` of the decrypted shares.
	messageKeyArr, err := combineWithDerivedKh(valid, rec.Threshold, switchID)
	if err != nil {
		if p.metrics != nil {
			p.metrics.ReleaseOutcomeTotal.WithLabelValues("insufficient_shares").Inc()
		}
		return err
	}
	defer crypto.Zeroize(messageKeyArr[:])

	// Step 6: decrypt the sealed message.
	plaintext, err := crypto.AEADDecrypt(messageKeyArr[:], rec.SealedCiphertext, rec.SealedIV, rec.SealedTag, []byte(switchID))
	if err != nil {
		if p.metrics != nil {
			p.metrics.ReleaseOutcomeTotal.WithLabelValues("message_auth_failed").Inc()
		}
		return errs.New(errs.KindAuth, op, fmt.Errorf("sealed message authentication failed: %w", err)).WithSwitch(switchID)
	}
	defer crypto.Zeroize(plaintext)

	// Step 7: deliver and record the outcome.
	deliverErr := p.deliverer.Deliver(ctx, switchID, plaintext)
	outcome := "delivered"
	if deliverErr != nil {
		outcome = "delivery_failed"
	}
	_ = p.db.AppendAudit(store.AuditEntry{SwitchID: switchID, Event: outcome})
	if p.metrics != nil {
		p.metrics.ReleaseOutcomeTotal.WithLabelValues(outcome).Inc()
	}
	if deliverErr != nil {
		return errs.New(errs.KindTransient, op, deliverErr).WithSwitch(switchID)
	}
	return nil
}

func (p *Pipeline) warnDrop(switchID string, index int, reason string, err error) {
	if p.log != nil {
		p.log.Warn("dropping fragment during release", zap.String("switch_id", switchID), zap.Int("fragment_index", index), zap.String("reason", reason), zap.Error(err))
	}
}

func deriveFragmentKey(rec *store.SwitchRecord, transportPriv []byte) []byte {
	msg := append(append([]byte(nil), transportPriv...), []byte(fragmentKeyLabel)...)
	return crypto.HMACSHA256(rec.KDFSalt, msg)
}

// maxCombineCandidates bounds the combinatorial search in
// combineWithDerivedKh; switches realistically carry a handful to a few
// dozen fragments, never hundreds.
const maxCombineCandidates = 40

// combineWithDerivedKh resolves the K_h chicken-and-egg: it tries each
// threshold-sized subset of shares, reconstructs a candidate K_m via
// sharing.CombineRaw, derives a candidate K_h from it, and accepts the
// first candidate whose derived K_h is verified by at least `threshold`
// of the supplied shares. Any single corrupted
// share that was not already dropped during decrypt still fails its own
// HMAC check here and is excluded from the final combine.
func combineWithDerivedKh(shares []sharing.AuthenticatedShare, threshold int, switchID string) (out [sharing.SecretBytes]byte, err error) {
	const op = "release.combineWithDerivedKh"
	if len(shares) < threshold {
		return out, errs.InsufficientShares(op, len(shares), threshold).WithSwitch(switchID)
	}
	if len(shares) > maxCombineCandidates {
		return out, errs.New(errs.KindPermanent, op, fmt.Errorf("too many candidate shares (%d) for combinatorial verification", len(shares))).WithSwitch(switchID)
	}

	for _, combo := range combinations(len(shares), threshold) {
		subset := make([]sharing.AuthenticatedShare, threshold)
		for i, idx := range combo {
			subset[i] = shares[idx]
		}
		candidateKm, err := sharing.CombineRaw(subset)
		if err != nil {
			continue
		}
		candidateKh, err := crypto.HKDFDerive(candidateKm[:], nil, shareAuthInfo, 32)
		if err != nil {
			crypto.Zeroize(candidateKm[:])
			continue
		}

		verified := make([]sharing.AuthenticatedShare, 0, len(shares))
		for _, sh := range shares {
			if sharing.VerifyShareHMAC(sh, candidateKh) {
				verified = append(verified, sh)
			}
		}
		if len(verified) < threshold {
			crypto.Zeroize(candidateKm[:])
			crypto.Zeroize(candidateKh)
			continue
		}

		km, err := sharing.Combine(verified, candidateKh, threshold)
		crypto.Zeroize(candidateKm[:])
		crypto.Zeroize(candidateKh)
		if err != nil {
			continue
		}
		return km, nil
	}
	return out, errs.InsufficientShares(op, len(shares), threshold).WithSwitch(switchID)
}

// combinations returns every threshold-sized subset of {0,...,n-1} as
// index tuples.
func combinations(n, k int) [][]int {
	if k <= 0 || k > n {
		return nil
	}
	var out [][]int
	combo := make([]int, k)
	var rec func(start, depth int)
	rec = func(start, depth int) {
		if depth == k {
			cp := append([]int(nil), combo...)
			out = append(out, cp)
			return
		}
		for i := start; i < n; i++ {
			combo[depth] = i
			rec(i+1, depth+1)
		}
	}
	rec(0, 0)
	return out
}
