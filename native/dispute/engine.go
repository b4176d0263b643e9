package dispute

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"safehold/core/events"
	coretypes "safehold/core/types"
)

// engineState abstracts the state manager functionality the registry needs:
// keyed records plus the account ledger stakes and fees move through.
type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	GetAccount(addr []byte) (*coretypes.Account, error)
	PutAccount(addr []byte, acc *coretypes.Account) error
}

var (
	casePrefix       = []byte("dispute/case/")
	byEscrowPrefix   = []byte("dispute/byescrow/")
	arbitratorPrefix = []byte("dispute/arbitrator/")
	arbitratorsKey   = []byte("dispute/arbitrators")
	sequenceKey      = []byte("dispute/seq")
)

func caseKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%s", casePrefix, hex.EncodeToString(id[:])))
}

func byEscrowKey(escrow [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%s", byEscrowPrefix, hex.EncodeToString(escrow[:])))
}

func arbitratorKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%s", arbitratorPrefix, hex.EncodeToString(addr[:])))
}

// Registry accepts dispute filings with an economic stake, tracks case status
// and resolves cases through assigned arbitrators. Fund movements against the
// originating escrow are an integration concern surfaced via GetCase/IsActive,
// not executed here.
type Registry struct {
	mu      sync.Mutex
	state   engineState
	admin   [20]byte
	vault   [20]byte
	cfg     Config
	emitter events.Emitter
	nowFn   func() int64
}

// NewRegistry constructs a dispute registry. An all-zero config selects the
// defaults. The vault address holds filed stakes and pays arbitrator fees.
func NewRegistry(state engineState, admin, vault [20]byte, cfg Config) (*Registry, error) {
	if cfg.MinStake == nil && cfg.ArbitratorFee == nil && cfg.AutoResolveTimeout == 0 {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		state:   state,
		admin:   admin,
		vault:   vault,
		cfg:     cloneConfig(cfg),
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}, nil
}

// SetEmitter configures the event emitter. Nil resets to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if r == nil {
		return
	}
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for tests.
func (r *Registry) SetNowFunc(now func() int64) {
	if r == nil {
		return
	}
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

func (r *Registry) emit(evt *coretypes.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(disputeEvent{evt: evt})
}

// UpdateConfig replaces the registry parameters after validation.
// Administrator only.
func (r *Registry) UpdateConfig(caller [20]byte, cfg Config) error {
	if r == nil {
		return ErrNilState
	}
	if caller != r.admin {
		return ErrUnauthorized
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = cloneConfig(cfg)
	r.mu.Unlock()
	return nil
}

// Config returns a copy of the current configuration.
func (r *Registry) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneConfig(r.cfg)
}

// File opens a case against an escrow. The stake is moved from the filer into
// the registry vault; the case identifier is derived from the escrow, the
// filer and a monotonically advancing sequence so two filings can never
// collide, even within the same instant.
func (r *Registry) File(escrow [32]byte, filer [20]byte, reason string, stake *big.Int) ([32]byte, error) {
	if r == nil || r.state == nil {
		return [32]byte{}, ErrNilState
	}
	if filer == ([20]byte{}) {
		return [32]byte{}, ErrInvalidFiler
	}
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return [32]byte{}, ErrReasonRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if stake == nil || stake.Cmp(r.cfg.MinStake) < 0 {
		return [32]byte{}, ErrInsufficientStake
	}
	var existing [32]byte
	ok, err := r.state.KVGet(byEscrowKey(escrow), &existing)
	if err != nil {
		return [32]byte{}, err
	}
	if ok && existing != ([32]byte{}) {
		return [32]byte{}, ErrAlreadyDisputed
	}

	var seq uint64
	if _, err := r.state.KVGet(sequenceKey, &seq); err != nil {
		return [32]byte{}, err
	}
	seq++
	if err := r.state.KVPut(sequenceKey, seq); err != nil {
		return [32]byte{}, err
	}
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	id := [32]byte(ethcrypto.Keccak256Hash(escrow[:], filer[:], seqBytes[:]))

	if err := r.transfer(filer, r.vault, stake); err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrStakeTransferFailed, err)
	}

	c := &Case{
		ID:      id,
		Escrow:  escrow,
		Filer:   filer,
		Reason:  trimmed,
		Stake:   new(big.Int).Set(stake),
		FiledAt: r.nowFn(),
		// Cases become reviewable immediately; arbitrator selection is a
		// deliberate stub that picks the first registered arbitrator.
		Status:  StatusUnderReview,
		Outcome: OutcomePending,
	}
	if arb, ok, err := r.firstArbitrator(); err != nil {
		return [32]byte{}, err
	} else if ok {
		c.Arbitrator = arb
	}
	if err := r.state.KVPut(caseKey(id), c); err != nil {
		return [32]byte{}, err
	}
	if err := r.state.KVPut(byEscrowKey(escrow), id); err != nil {
		return [32]byte{}, err
	}
	r.emit(NewFiledEvent(c))
	return id, nil
}

// Resolve closes a case. Restricted to the case's assigned arbitrator; the
// configured arbitrator fee is paid out of the vault when funds allow.
func (r *Registry) Resolve(id [32]byte, caller [20]byte, outcome Outcome, resolution string) error {
	if r == nil || r.state == nil {
		return ErrNilState
	}
	if !outcome.Valid() || outcome == OutcomePending {
		return ErrInvalidOutcome
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &Case{}
	ok, err := r.state.KVGet(caseKey(id), c)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCaseNotFound
	}
	if c.Status != StatusUnderReview {
		return ErrCaseNotReviewable
	}
	if c.Arbitrator == ([20]byte{}) || caller != c.Arbitrator {
		return ErrUnauthorized
	}

	c.Status = StatusResolved
	c.Outcome = outcome
	c.Resolution = strings.TrimSpace(resolution)
	c.ResolvedAt = r.nowFn()
	if err := r.state.KVPut(caseKey(id), c); err != nil {
		return err
	}
	// Release the per-escrow active-case marker so a later dispute can be
	// filed against the same escrow.
	if err := r.state.KVPut(byEscrowKey(c.Escrow), nil); err != nil {
		return err
	}
	r.payArbitrator(caller)
	r.emit(NewResolvedEvent(c))
	return nil
}

// payArbitrator moves the configured fee from the vault when its balance
// covers it. An underfunded vault simply skips the payment.
func (r *Registry) payArbitrator(arbitrator [20]byte) {
	if r.cfg.ArbitratorFee.Sign() == 0 {
		return
	}
	vaultAcc, err := r.state.GetAccount(r.vault[:])
	if err != nil {
		return
	}
	if vaultAcc.Balance.Cmp(r.cfg.ArbitratorFee) < 0 {
		return
	}
	_ = r.transfer(r.vault, arbitrator, r.cfg.ArbitratorFee)
}

func (r *Registry) transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("dispute: negative transfer amount")
	}
	fromAcc, err := r.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("dispute: insufficient balance")
	}
	toAcc, err := r.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := r.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return r.state.PutAccount(to[:], toAcc)
}

// GetCase returns a copy of the stored case.
func (r *Registry) GetCase(id [32]byte) (*Case, bool, error) {
	if r == nil || r.state == nil {
		return nil, false, ErrNilState
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Case{}
	ok, err := r.state.KVGet(caseKey(id), c)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return c.Clone(), true, nil
}

// IsActive reports whether the escrow has an unresolved case.
func (r *Registry) IsActive(escrow [32]byte) (bool, error) {
	if r == nil || r.state == nil {
		return false, ErrNilState
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var id [32]byte
	ok, err := r.state.KVGet(byEscrowKey(escrow), &id)
	if err != nil {
		return false, err
	}
	return ok && id != ([32]byte{}), nil
}

// AddArbitrator registers an arbitrator. Administrator only.
func (r *Registry) AddArbitrator(caller, addr [20]byte) error {
	if r == nil || r.state == nil {
		return ErrNilState
	}
	if caller != r.admin {
		return ErrUnauthorized
	}
	if addr == ([20]byte{}) {
		return ErrArbitratorNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var active bool
	ok, err := r.state.KVGet(arbitratorKey(addr), &active)
	if err != nil {
		return err
	}
	if ok && active {
		return ErrArbitratorExists
	}
	if err := r.state.KVPut(arbitratorKey(addr), true); err != nil {
		return err
	}
	if !ok {
		var addrs [][20]byte
		if _, err := r.state.KVGet(arbitratorsKey, &addrs); err != nil {
			return err
		}
		addrs = append(addrs, addr)
		if err := r.state.KVPut(arbitratorsKey, addrs); err != nil {
			return err
		}
	}
	return nil
}

// RemoveArbitrator deactivates an arbitrator. Administrator only. Cases
// already assigned keep their arbitrator.
func (r *Registry) RemoveArbitrator(caller, addr [20]byte) error {
	if r == nil || r.state == nil {
		return ErrNilState
	}
	if caller != r.admin {
		return ErrUnauthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var active bool
	ok, err := r.state.KVGet(arbitratorKey(addr), &active)
	if err != nil {
		return err
	}
	if !ok || !active {
		return ErrArbitratorNotFound
	}
	return r.state.KVPut(arbitratorKey(addr), false)
}

// IsArbitrator reports whether addr is a registered active arbitrator.
func (r *Registry) IsArbitrator(addr [20]byte) (bool, error) {
	if r == nil || r.state == nil {
		return false, ErrNilState
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var active bool
	ok, err := r.state.KVGet(arbitratorKey(addr), &active)
	if err != nil {
		return false, err
	}
	return ok && active, nil
}

func (r *Registry) firstArbitrator() ([20]byte, bool, error) {
	var addrs [][20]byte
	if _, err := r.state.KVGet(arbitratorsKey, &addrs); err != nil {
		return [20]byte{}, false, err
	}
	for _, addr := range addrs {
		var active bool
		ok, err := r.state.KVGet(arbitratorKey(addr), &active)
		if err != nil {
			return [20]byte{}, false, err
		}
		if ok && active {
			return addr, true, nil
		}
	}
	return [20]byte{}, false, nil
}
