package reputation

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// storage abstracts the subset of state manager functionality required by the
// reputation ledger.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	profilePrefix   = []byte("reputation/profile/")
	participantsKey = []byte("reputation/participants")
)

func profileKey(participant [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%s", profilePrefix, hex.EncodeToString(participant[:])))
}

// Penalty points applied by RecordDispute. The losing defendant carries the
// larger deduction; a disputant who loses their own filing takes a smaller one
// so legitimate-but-unsuccessful filings are not over-punished.
const (
	disputeLossPenalty     uint32 = 10
	frivolousFilingPenalty uint32 = 4
)

// Ledger accumulates trade and dispute outcomes into a bounded [10,100] score
// per participant.
type Ledger struct {
	mu    sync.Mutex
	store storage
	admin [20]byte
	cfg   Config
	nowFn func() int64
}

// NewLedger constructs a ledger bound to the provided storage backend. An
// all-zero config selects the defaults.
func NewLedger(store storage, admin [20]byte, cfg Config) (*Ledger, error) {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		store: store,
		admin: admin,
		cfg:   cfg,
		nowFn: func() int64 { return time.Now().Unix() },
	}, nil
}

// SetNowFunc overrides the wall clock, primarily for deterministic tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if l == nil {
		return
	}
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func (l *Ledger) loadProfile(participant [20]byte) (*Profile, bool, error) {
	profile := &Profile{}
	ok, err := l.store.KVGet(profileKey(participant), profile)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return ensureProfile(nil), false, nil
	}
	return ensureProfile(profile), true, nil
}

func (l *Ledger) storeProfile(participant [20]byte, profile *Profile) error {
	return l.store.KVPut(profileKey(participant), ensureProfile(profile))
}

// RecordTrade folds one completed trade into the participant's history. The
// first trade for a participant also bumps the global distinct-participant
// counter.
func (l *Ledger) RecordTrade(participant [20]byte, volume *big.Int, successful bool) error {
	if l == nil || l.store == nil {
		return ErrInvalidConfiguration
	}
	if participant == ([20]byte{}) {
		return ErrInvalidParticipant
	}
	if volume != nil && volume.Sign() < 0 {
		return ErrInvalidVolume
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	profile, existed, err := l.loadProfile(participant)
	if err != nil {
		return err
	}
	if !existed || profile.TradeCount == 0 {
		var count uint64
		if _, err := l.store.KVGet(participantsKey, &count); err != nil {
			return err
		}
		if err := l.store.KVPut(participantsKey, count+1); err != nil {
			return err
		}
		profile.FirstTradeAt = l.nowFn()
	}
	profile.TradeCount++
	if successful {
		profile.SuccessCount++
	}
	if volume != nil {
		profile.Volume = new(big.Int).Add(profile.Volume, volume)
	}
	return l.storeProfile(participant, profile)
}

// RecordDispute applies the dispute outcome to both sides. The loser carries
// the heavier penalty; a disputant whose filing failed takes the smaller
// frivolous-filing deduction.
func (l *Ledger) RecordDispute(disputant, defendant [20]byte, disputantWon bool) error {
	if l == nil || l.store == nil {
		return ErrInvalidConfiguration
	}
	if disputant == ([20]byte{}) || defendant == ([20]byte{}) {
		return ErrInvalidParticipant
	}
	if disputant == defendant {
		return ErrSelfDispute
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	disputantProfile, _, err := l.loadProfile(disputant)
	if err != nil {
		return err
	}
	defendantProfile, _, err := l.loadProfile(defendant)
	if err != nil {
		return err
	}
	if disputantWon {
		disputantProfile.DisputesWon++
		defendantProfile.DisputesLost++
		defendantProfile.PenaltyPoints = l.cappedPenalty(defendantProfile.PenaltyPoints, disputeLossPenalty)
		defendantProfile.LastPenaltyAt = now
	} else {
		defendantProfile.DisputesWon++
		disputantProfile.DisputesLost++
		disputantProfile.PenaltyPoints = l.cappedPenalty(disputantProfile.PenaltyPoints, frivolousFilingPenalty)
		disputantProfile.LastPenaltyAt = now
	}
	if err := l.storeProfile(disputant, disputantProfile); err != nil {
		return err
	}
	return l.storeProfile(defendant, defendantProfile)
}

// ApplyPenalty deducts points from a participant. Administrator only; points
// are capped per call.
func (l *Ledger) ApplyPenalty(caller, participant [20]byte, points uint32, reason string) error {
	if l == nil || l.store == nil {
		return ErrInvalidConfiguration
	}
	if caller != l.admin {
		return ErrUnauthorized
	}
	if participant == ([20]byte{}) {
		return ErrInvalidParticipant
	}
	if points == 0 || points > l.cfg.MaxPenaltyPerCall {
		return ErrInvalidPenalty
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	profile, _, err := l.loadProfile(participant)
	if err != nil {
		return err
	}
	profile.PenaltyPoints = l.cappedPenalty(profile.PenaltyPoints, points)
	profile.LastPenaltyAt = l.nowFn()
	return l.storeProfile(participant, profile)
}

func (l *Ledger) cappedPenalty(current, add uint32) uint32 {
	total := current + add
	if total > l.cfg.MaxPenaltyPoints || total < current {
		return l.cfg.MaxPenaltyPoints
	}
	return total
}

// Score derives the bounded [10,100] trust score. Participants below the
// configured trade count receive the neutral default.
func (l *Ledger) Score(participant [20]byte) (uint32, error) {
	if l == nil || l.store == nil {
		return 0, ErrInvalidConfiguration
	}
	if participant == ([20]byte{}) {
		return 0, ErrInvalidParticipant
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	profile, _, err := l.loadProfile(participant)
	if err != nil {
		return 0, err
	}
	return l.score(profile), nil
}

func (l *Ledger) score(profile *Profile) uint32 {
	if profile.TradeCount < l.cfg.MinTradeCount {
		return ScoreNeutral
	}
	// Success rate dominates: it maps onto a 70-point band above the floor.
	rate := profile.SuccessCount * 100 / profile.TradeCount
	score := int64(ScoreFloor) + int64(rate)*70/100
	score += int64(volumeBonus(profile.Volume))
	penalty := profile.PenaltyPoints
	if penalty > l.cfg.MaxPenaltyPoints {
		penalty = l.cfg.MaxPenaltyPoints
	}
	score -= int64(penalty)
	if score < int64(ScoreFloor) {
		return ScoreFloor
	}
	if score > int64(ScoreCeiling) {
		return ScoreCeiling
	}
	return uint32(score)
}

// volumeBonus awards up to 20 points on a logarithmic-style tiering of
// cumulative traded volume.
func volumeBonus(volume *big.Int) uint32 {
	if volume == nil || volume.Sign() <= 0 {
		return 0
	}
	switch {
	case volume.Cmp(big.NewInt(1_000)) < 0:
		return 0
	case volume.Cmp(big.NewInt(100_000)) < 0:
		return 5
	case volume.Cmp(big.NewInt(10_000_000)) < 0:
		return 10
	case volume.Cmp(big.NewInt(1_000_000_000)) < 0:
		return 15
	default:
		return 20
	}
}

// IsTrustworthy reports whether the participant has enough history, a score
// above the trust threshold, and no disqualifying recent penalty.
func (l *Ledger) IsTrustworthy(participant [20]byte) (bool, error) {
	if l == nil || l.store == nil {
		return false, ErrInvalidConfiguration
	}
	if participant == ([20]byte{}) {
		return false, ErrInvalidParticipant
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	profile, _, err := l.loadProfile(participant)
	if err != nil {
		return false, err
	}
	if profile.TradeCount < l.cfg.MinTradeCount {
		return false, nil
	}
	if l.score(profile) <= l.cfg.TrustThreshold {
		return false, nil
	}
	if profile.PenaltyPoints > 0 && profile.LastPenaltyAt > 0 {
		if l.nowFn()-profile.LastPenaltyAt < l.cfg.PenaltyCooldown {
			return false, nil
		}
	}
	return true, nil
}

// Profile returns a copy of the stored record for dashboards.
func (l *Ledger) Profile(participant [20]byte) (*Profile, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, ErrInvalidConfiguration
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	profile, ok, err := l.loadProfile(participant)
	if err != nil {
		return nil, false, err
	}
	return profile.Clone(), ok, nil
}

// ParticipantCount returns the number of distinct scored participants.
func (l *Ledger) ParticipantCount() (uint64, error) {
	if l == nil || l.store == nil {
		return 0, ErrInvalidConfiguration
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var count uint64
	if _, err := l.store.KVGet(participantsKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}
