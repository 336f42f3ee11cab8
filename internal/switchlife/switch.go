// Package switchlife implements C7: the switch state machine
// (Armed/Triggered/Released/Cancelled), check-in deadline management, and
// the per-switch advisory locking that keeps CheckIn and the timer scan
// from racing. It drives C1/C2/C3 at creation time and the
// internal/release pipeline at trigger time, the same top-level
// orchestration role the main run loop plays over the rest of the
// process.
package switchlife

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/1e9c9h9o/echolock-sub005/crypto"
	"github.com/1e9c9h9o/echolock-sub005/internal/errs"
	"github.com/1e9c9h9o/echolock-sub005/internal/fragment"
	"github.com/1e9c9h9o/echolock-sub005/internal/relay"
	"github.com/1e9c9h9o/echolock-sub005/internal/sharing"
	"github.com/1e9c9h9o/echolock-sub005/internal/store"
	"github.com/1e9c9h9o/echolock-sub005/internal/telemetry"
)

// Status is the switch lifecycle state.
type Status string

const (
	StatusArmed Status = "Armed"
	StatusTriggered Status = "Triggered"
	StatusReleased Status = "Released"
	StatusCancelled Status = "Cancelled"
)

// DefaultTimerInterval is the TimerTick scan cadence names.
const DefaultTimerInterval = 5 * time.Minute

const fragmentKeyLabel = "ECHOLOCK-V1-FRAGMENT-KEY"
const shareAuthInfo = "share-auth-v1"

// CreateRequest is the input to Create.
type CreateRequest struct {
	OwnerID string
	Plaintext []byte
	IntervalSec int64
	Threshold int
	TotalFragments int
	RelayURLs []string
	Password []byte // nil for passwordless derivation
	UseChainAnchor bool
	RawFundingTx []byte // funding tx for an anchored commit; Create does not read it
}

// CreateResult is what Create hands back to the caller, including a
// non-silent warning flag for degraded publication.
type CreateResult struct {
	SwitchID string
	QuorumWarning bool
	PublishedFragments int

	// SealedMessage is the AEAD-encrypted plaintext;
	// the caller persists it alongside the switch record for C8 to
	// decrypt once enough shares are recovered.
	SealedCiphertext []byte
	SealedIV []byte
	SealedTag []byte
	KDFSalt []byte

	// TransportKeyWrapped is the per-switch signing key sealed at rest
	// under the service master key.
	TransportKeyWrapped []byte
}

// Service orchestrates the switch lifecycle against durable storage and
// the relay pool; two-phase commits are driven outside it.
type Service struct {
	db *store.DB
	relay *relay.Client
	masterKey []byte // service master key sealing transport keys at rest
	log *zap.Logger
	metrics *telemetry.Metrics
	nowFn func() time.Time
	newUUID func() string

	locksMu sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService builds a Service. masterKey must be 32 bytes (AES-256 key
// wrap key); nowFn/newUUID default to time.Now/uuid.NewString and are
// overridable for deterministic tests.
func NewService(db *store.DB, relayClient *relay.Client, masterKey []byte, log *zap.Logger, metrics *telemetry.Metrics, nowFn func() time.Time, newUUID func() string) *Service {
	if nowFn == nil {
		nowFn = time.Now
	}
	if newUUID == nil {
		newUUID = uuid.NewString
	}
	return &Service{
		db: db, relay: relayClient, masterKey: masterKey, log: log, metrics: metrics,
		nowFn: nowFn, newUUID: newUUID, locks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) lockFor(switchID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[switchID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[switchID] = l
	}
	return l
}

// deriveFragmentKey implements step 3 for the passwordless
// path: K_f = HMAC(salt, transport_private_key || label).
func deriveFragmentKey(transportPriv, salt []byte) []byte {
	msg := append(append([]byte(nil), transportPriv...), []byte(fragmentKeyLabel)...)
	return crypto.HMACSHA256(salt, msg)
}

func derivePasswordFragmentKey(password, salt []byte) ([]byte, error) {
	return crypto.KDFPassword(password, salt, crypto.MinPBKDF2Iterations)
}

func deriveShareAuthKey(messageKey []byte) ([]byte, error) {
	return crypto.HKDFDerive(messageKey, nil, shareAuthInfo, 32)
}

// Create runs the create sequence through AEAD-encrypt, authenticated
// splitting, framing, and event signing, and returns the signed relay
// events without publishing them. Publishing (directly to the relay pool,
// or via internal/coordinator for Bitcoin-anchored commits) is the
// caller's job before calling PersistArmed.
func (s *Service) Create(req CreateRequest) (*CreateResult, []fragment.Fragment, []relay.Event, *relay.TransportKeypair, error) {
	const op = "switchlife.Service.Create"
	if req.Threshold < sharing.MinThreshold {
		return nil, nil, nil, nil, errs.New(errs.KindInput, op, fmt.Errorf("threshold must be >= %d", sharing.MinThreshold))
	}
	if req.TotalFragments < req.Threshold {
		return nil, nil, nil, nil, errs.New(errs.KindInput, op, fmt.Errorf("total_fragments must be >= threshold"))
	}
	if len(req.Plaintext) == 0 {
		return nil, nil, nil, nil, errs.New(errs.KindInput, op, fmt.Errorf("plaintext required"))
	}

	switchID := s.newUUID()
	now := s.nowFn()

	messageKey, err := crypto.SecureRandom(sharing.SecretBytes)
	if err != nil {
		return nil, nil, nil, nil, errs.New(errs.KindFatal, op, err).WithSwitch(switchID)
	}
	var messageKeyArr [sharing.SecretBytes]byte
	copy(messageKeyArr[:], messageKey)

	sealedCt, sealedIV, sealedTag, err := crypto.AEADEncrypt(messageKey, req.Plaintext, []byte(switchID))
	if err != nil {
		crypto.Zeroize(messageKey)
		return nil, nil, nil, nil, errs.New(errs.KindFatal, op, err).WithSwitch(switchID)
	}

	transportKey, err := relay.GenerateTransportKeypair()
	if err != nil {
		crypto.Zeroize(messageKey)
		return nil, nil, nil, nil, errs.New(errs.KindFatal, op, err).WithSwitch(switchID)
	}

	salt, err := crypto.SecureRandom(crypto.MinSaltBytes)
	if err != nil {
		crypto.Zeroize(messageKey)
		return nil, nil, nil, nil, errs.New(errs.KindFatal, op, err).WithSwitch(switchID)
	}

	var fragmentKey []byte
	if len(req.Password) > 0 {
		fragmentKey, err = derivePasswordFragmentKey(req.Password, salt)
	} else {
		fragmentKey = deriveFragmentKey(transportKey.Bytes(), salt)
	}
	if err != nil {
		crypto.Zeroize(messageKey)
		return nil, nil, nil, nil, errs.New(errs.KindFatal, op, err).WithSwitch(switchID)
	}

	shareAuthKey, err := deriveShareAuthKey(messageKey)
	if err != nil {
		crypto.Zeroize(messageKey)
		crypto.Zeroize(fragmentKey)
		return nil, nil, nil, nil, errs.New(errs.KindFatal, op, err).WithSwitch(switchID)
	}

	shares, err := sharing.Split(messageKeyArr, req.TotalFragments, req.Threshold, shareAuthKey)
	if err != nil {
		crypto.Zeroize(messageKey)
		crypto.Zeroize(fragmentKey)
		crypto.Zeroize(shareAuthKey)
		return nil, nil, nil, nil, errs.New(errs.KindFatal, op, err).WithSwitch(switchID)
	}

	var switchIDBytes [fragment.SwitchIDBytes]byte
	copy(switchIDBytes[:], []byte(switchID)[:fragment.SwitchIDBytes])

	expiration := now.Unix() + req.IntervalSec + int64((30 * 24 * time.Hour).Seconds())

	fragments := make([]fragment.Fragment, len(shares))
	events := make([]relay.Event, len(shares))
	for i, sh := range shares {
		shareRecord := make([]byte, 0, 1+sharing.SecretBytes+32)
		shareRecord = append(shareRecord, sh.Index)
		shareRecord = append(shareRecord, sh.ShareBytes[:]...)
		shareRecord = append(shareRecord, sh.HMAC[:]...)

		ct, iv, tag, err := crypto.AEADEncrypt(fragmentKey, shareRecord, switchIDBytes[:])
		if err != nil {
			crypto.Zeroize(messageKey)
			crypto.Zeroize(fragmentKey)
			crypto.Zeroize(shareAuthKey)
			return nil, nil, nil, nil, errs.New(errs.KindFatal, op, err).WithSwitch(switchID)
		}

		f := fragment.Fragment{
			Version: fragment.CurrentVersion,
			SwitchID: switchIDBytes,
			FragmentIndex: sh.Index,
			Ciphertext: ct,
			IV: iv,
			AuthTag: tag,
			KDFSalt: salt,
			KDFIterations: crypto.MinPBKDF2Iterations,
			Expiration: expiration,
		}
		encoded, err := fragment.Encode(f)
		if err != nil {
			crypto.Zeroize(messageKey)
			crypto.Zeroize(fragmentKey)
			crypto.Zeroize(shareAuthKey)
			return nil, nil, nil, nil, errs.New(errs.KindFatal, op, err).WithSwitch(switchID)
		}

		e, err := relay.BuildEvent(transportKey, switchID, sh.Index, fragment.CurrentVersion, encoded, expiration, "", now.Unix())
		if err != nil {
			crypto.Zeroize(messageKey)
			crypto.Zeroize(fragmentKey)
			crypto.Zeroize(shareAuthKey)
			return nil, nil, nil, nil, errs.New(errs.KindFatal, op, err).WithSwitch(switchID)
		}

		fragments[i] = f
		events[i] = e
	}

	crypto.ZeroizeAll(messageKey, fragmentKey, shareAuthKey)

	wrappedTransportKey, err := crypto.AESKeyWrapRFC3394(s.masterKey, transportKey.Bytes())
	if err != nil {
		return nil, nil, nil, nil, errs.New(errs.KindFatal, op, err).WithSwitch(switchID)
	}

	result := &CreateResult{
		SwitchID: switchID,
		SealedCiphertext: sealedCt,
		SealedIV: sealedIV,
		SealedTag: sealedTag,
		KDFSalt: salt,
		TransportKeyWrapped: wrappedTransportKey,
	}
	return result, fragments, events, transportKey, nil
}

// PersistArmed records the switch as Armed after fragment publication (or
// anchoring) has completed, per step 9.
func (s *Service) PersistArmed(req CreateRequest, result *CreateResult, bitcoinTxid string, quorumWarning bool) error {
	now := s.nowFn()
	rec := store.SwitchRecord{
		SwitchID: result.SwitchID,
		OwnerID: req.OwnerID,
		Status: string(StatusArmed),
		CreatedAt: now.Unix(),
		ExpiresAt: now.Unix() + req.IntervalSec,
		IntervalSec: req.IntervalSec,
		Threshold: req.Threshold,
		TotalFragments: req.TotalFragments,
		RelayURLs: req.RelayURLs,
		BitcoinTxid: bitcoinTxid,
		UseChainAnchor: req.UseChainAnchor,
		SealedCiphertext: result.SealedCiphertext,
		SealedIV: result.SealedIV,
		SealedTag: result.SealedTag,
		KDFSalt: result.KDFSalt,
		TransportKeyWrapped: result.TransportKeyWrapped,
	}
	result.QuorumWarning = quorumWarning
	return s.db.PutSwitch(rec)
}

// CheckIn resets a switch's deadline, rejecting unless it is Armed and
// not yet past its deadline.
func (s *Service) CheckIn(switchID string) error {
	const op = "switchlife.Service.CheckIn"
	lock := s.lockFor(switchID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok, err := s.db.GetSwitch(switchID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.KindInput, op, fmt.Errorf("switch not found")).WithSwitch(switchID)
	}
	now := s.nowFn()
	if rec.Status != string(StatusArmed) || now.Unix() >= rec.ExpiresAt {
		return errs.IllegalTransition(op, rec.Status, string(StatusArmed)).WithSwitch(switchID)
	}
	rec.ExpiresAt = now.Unix() + rec.IntervalSec
	rec.CheckInCount++
	if err := s.db.PutSwitch(*rec); err != nil {
		return err
	}
	return s.db.AppendCheckIn(store.CheckInEvent{SwitchID: switchID, At: now.Unix(), NewExpiresAt: rec.ExpiresAt})
}

// Cancel transitions an Armed switch to Cancelled.
func (s *Service) Cancel(switchID string) error {
	const op = "switchlife.Service.Cancel"
	lock := s.lockFor(switchID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok, err := s.db.GetSwitch(switchID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.KindInput, op, fmt.Errorf("switch not found")).WithSwitch(switchID)
	}
	if rec.Status != string(StatusArmed) {
		return errs.IllegalTransition(op, rec.Status, string(StatusCancelled)).WithSwitch(switchID)
	}
	rec.Status = string(StatusCancelled)
	return s.db.PutSwitch(*rec)
}

// ReleaseFunc drives C8 for a triggered switch; wired in by cmd/echolock
// to internal/release.Pipeline.Release, kept as a function value here to
// avoid an import cycle between switchlife and release.
type ReleaseFunc func(switchID string) error

// TimerTick scans Armed switches past their deadline under a
// per-switch advisory lock, re-checking expires_at after acquiring the
// lock to close the CheckIn/Trigger race.
func (s *Service) TimerTick(release ReleaseFunc) []error {
	var errsOut []error
	now := s.nowFn()

	var candidates []string
	_ = s.db.ScanArmedSwitches(func(r store.SwitchRecord) error {
			if now.Unix() >= r.ExpiresAt {
				candidates = append(candidates, r.SwitchID)
			}
			return nil
	})

	for _, switchID := range candidates {
		lock := s.lockFor(switchID)
		lock.Lock()
		rec, ok, err := s.db.GetSwitch(switchID)
		if err != nil || !ok {
			lock.Unlock()
			if err != nil {
				errsOut = append(errsOut, err)
			}
			continue
		}
		if rec.Status != string(StatusArmed) || now.Unix() < rec.ExpiresAt {
			lock.Unlock()
			continue
		}
		rec.Status = string(StatusTriggered)
		if err := s.db.PutSwitch(*rec); err != nil {
			errsOut = append(errsOut, err)
			lock.Unlock()
			continue
		}
		lock.Unlock()

		if err := release(switchID); err != nil {
			if s.log != nil {
				s.log.Warn("release failed, switch remains triggered", zap.String("switch_id", switchID), zap.Error(err))
			}
			errsOut = append(errsOut, err)
			continue
		}

		lock.Lock()
		rec, ok, err = s.db.GetSwitch(switchID)
		if err == nil && ok {
			rec.Status = string(StatusReleased)
			_ = s.db.PutSwitch(*rec)
		}
		lock.Unlock()
	}
	return errsOut
}
