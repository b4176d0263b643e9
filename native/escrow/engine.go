package escrow

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"safehold/core/events"
	coretypes "safehold/core/types"
	"safehold/observability"
)

// Fallback durations used when a policy module is absent from the address book
// or its call fails. Integration failures never abort an escrow operation.
const (
	fallbackLockDuration       int64 = 86_400     // 24 hours
	fallbackEmergencyExtension int64 = 2 * 86_400 // 48 hours
	fallbackDisputeExtension   int64 = 3 * 86_400 // 72 hours
)

// engineState abstracts the state manager functionality the escrow engine
// needs: keyed records plus the account ledger held funds move through.
type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	GetAccount(addr []byte) (*coretypes.Account, error)
	PutAccount(addr []byte, acc *coretypes.Account) error
}

// TimeLockPolicy is the capability the engine expects from a wired time-lock
// module. Every call has a constant fallback.
type TimeLockPolicy interface {
	DurationForAmount(amount *big.Int) (int64, error)
	DisputeExtension() (int64, error)
	ValidateOverride(duration int64) error
}

// EmergencyPolicy is the capability the engine expects from a wired emergency
// module. Extension prices the activator's next activation, so repeat
// activators carry their escalation into the lock. Activate is notified
// best-effort after the escrow transition has committed.
type EmergencyPolicy interface {
	Extension(escrow [32]byte, activator [20]byte) (int64, error)
	Activate(escrow [32]byte, activator [20]byte, codeHash [32]byte, reason string) error
}

// ModuleSet is the engine's read-only back-reference into the registry's
// module address book. Absence is a legitimate configured state, not an error;
// callers fall back to constants.
type ModuleSet interface {
	TimeLockPolicy() (TimeLockPolicy, bool)
	EmergencyPolicy() (EmergencyPolicy, bool)
}

var recordPrefix = []byte("escrow/record/")

func recordKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%s", recordPrefix, hex.EncodeToString(id[:])))
}

// CreateParams carries the immutable trade terms for a new escrow.
type CreateParams struct {
	Seller       [20]byte
	Buyer        [20]byte
	Amount       *big.Int
	Description  string
	TradeID      [32]byte
	LockOverride int64
	Template     uint64
}

// Engine drives the per-trade escrow state machine. Held funds live in the
// vault account; the only path out of custody toward the seller is Release.
type Engine struct {
	mu      sync.Mutex
	state   engineState
	vault   [20]byte
	modules ModuleSet
	emitter events.Emitter
	log     *slog.Logger
	nowFn   func() int64
}

// NewEngine constructs an escrow engine backed by the given state. The vault
// address holds funded balances until release.
func NewEngine(state engineState, vault [20]byte) *Engine {
	return &Engine{
		state:   state,
		vault:   vault,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetModules wires the registry-owned module address book.
func (e *Engine) SetModules(m ModuleSet) {
	if e == nil {
		return
	}
	e.modules = m
}

// SetEmitter configures the event emitter. Nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger configures structured logging for fallback decisions.
func (e *Engine) SetLogger(log *slog.Logger) {
	if e == nil {
		return
	}
	e.log = log
}

// SetNowFunc overrides the time source, primarily for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt *coretypes.Event) {
	if e == nil || evt == nil {
		return
	}
	observability.Escrow().RecordTransition(evt.Attributes["status"])
	if e.emitter != nil {
		e.emitter.Emit(escrowEvent{evt: evt})
	}
}

func (e *Engine) fallback(op, reason string) {
	observability.Escrow().RecordFallback(op)
	if e.log != nil {
		e.log.Warn("escrow policy fallback", "op", op, "reason", reason)
	}
}

func (e *Engine) timelock() (TimeLockPolicy, bool) {
	if e.modules == nil {
		return nil, false
	}
	return e.modules.TimeLockPolicy()
}

func (e *Engine) emergency() (EmergencyPolicy, bool) {
	if e.modules == nil {
		return nil, false
	}
	return e.modules.EmergencyPolicy()
}

// EscrowID derives the identifier a trade's escrow record is stored under.
// Trade ids are unique registry-wide, so the digest cannot collide.
func EscrowID(seller, buyer [20]byte, tradeID [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash(seller[:], buyer[:], tradeID[:])
}

// HashPanicCode computes the commitment stored at funding time.
func HashPanicCode(code []byte) [32]byte {
	return ethcrypto.Keccak256Hash(code)
}

// Create validates the trade terms and persists a new escrow in the Created
// state. No value moves. Called by the registry, exactly once per trade.
func (e *Engine) Create(p CreateParams) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if p.Seller == ([20]byte{}) || p.Buyer == ([20]byte{}) || p.Seller == p.Buyer {
		return nil, ErrInvalidParty
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(p.Description) == "" {
		return nil, ErrInvalidDescription
	}
	if p.TradeID == ([32]byte{}) {
		return nil, ErrInvalidTradeID
	}
	if p.LockOverride < 0 {
		return nil, ErrInvalidDuration
	}
	if p.LockOverride > 0 {
		if policy, ok := e.timelock(); ok {
			if err := policy.ValidateOverride(p.LockOverride); err != nil {
				return nil, ErrInvalidDuration
			}
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	id := EscrowID(p.Seller, p.Buyer, p.TradeID)
	existing := &Escrow{}
	ok, err := e.state.KVGet(recordKey(id), existing)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, ErrInvalidState
	}

	now := e.nowFn()
	rec := &Escrow{
		ID:           id,
		Seller:       p.Seller,
		Buyer:        p.Buyer,
		Amount:       new(big.Int).Set(p.Amount),
		Description:  strings.TrimSpace(p.Description),
		TradeID:      p.TradeID,
		LockOverride: p.LockOverride,
		Template:     p.Template,
		Status:       StatusCreated,
		HeldBalance:  big.NewInt(0),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.state.KVPut(recordKey(id), rec); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(rec))
	return rec.Sanitize(), nil
}

func (e *Engine) load(id [32]byte) (*Escrow, error) {
	rec := &Escrow{}
	ok, err := e.state.KVGet(recordKey(id), rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (e *Engine) put(rec *Escrow) error {
	rec.UpdatedAt = e.nowFn()
	return e.state.KVPut(recordKey(rec.ID), rec)
}

// Fund moves the trade amount from the buyer into escrow custody and commits
// the panic-code hash. The transferred value must equal the amount exactly.
func (e *Engine) Fund(id [32]byte, caller [20]byte, panicHash [32]byte, value *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if panicHash == ([32]byte{}) {
		return ErrInvalidEmergencyHash
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.load(id)
	if err != nil {
		return err
	}
	if caller != rec.Buyer {
		return ErrUnauthorized
	}
	if rec.Status != StatusCreated {
		return ErrInvalidState
	}
	if value == nil || value.Cmp(rec.Amount) != 0 {
		return ErrInsufficientAmount
	}
	if err := e.transfer(caller, e.vault, rec.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	rec.PanicHash = panicHash
	rec.HeldBalance = new(big.Int).Set(rec.Amount)
	rec.Status = StatusFunded
	if err := e.put(rec); err != nil {
		return err
	}
	e.emit(NewFundedEvent(rec))
	return nil
}

// ConfirmReceipt starts the mandatory lock. Seller only, Funded only. The
// duration comes from the caller-supplied override when set, otherwise from
// the time-lock policy with a 24 hour fallback.
func (e *Engine) ConfirmReceipt(id [32]byte, caller [20]byte) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.load(id)
	if err != nil {
		return err
	}
	if caller != rec.Seller {
		return ErrUnauthorized
	}
	if rec.Status == StatusEmergency {
		return ErrEmergencyActive
	}
	if rec.Status != StatusFunded {
		return ErrInvalidState
	}

	duration := rec.LockOverride
	if duration == 0 {
		duration = fallbackLockDuration
		if policy, ok := e.timelock(); ok {
			if d, err := policy.DurationForAmount(rec.Amount); err == nil {
				duration = d
			} else {
				e.fallback("confirm_receipt", err.Error())
			}
		} else {
			e.fallback("confirm_receipt", "timelock module absent")
		}
	}

	rec.TimeLockEnd = e.nowFn() + duration
	rec.Status = StatusLocked
	if err := e.put(rec); err != nil {
		return err
	}
	e.emit(NewLockedEvent(rec, duration))
	return nil
}

// Release pays the full held balance to the seller once the lock has expired.
// Deliberately permissionless: any caller may trigger it, it only ever pays
// the seller. A failed transfer aborts with no state change.
func (e *Engine) Release(id [32]byte) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.load(id)
	if err != nil {
		return err
	}
	if rec.Status == StatusEmergency {
		return ErrEmergencyActive
	}
	if rec.Status != StatusLocked {
		return ErrInvalidState
	}
	if e.nowFn() < rec.TimeLockEnd {
		return ErrTimeLockActive
	}
	paid := new(big.Int).Set(rec.HeldBalance)
	if err := e.transfer(e.vault, rec.Seller, paid); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	rec.HeldBalance = big.NewInt(0)
	rec.Status = StatusReleased
	if err := e.put(rec); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(rec, paid.String()))
	return nil
}

// EmergencyStop verifies the buyer's panic code against the committed hash
// and freezes the escrow. The lock extension comes from the emergency module
// with a 48 hour fallback; it is additive to the running lock end when one
// exists, so re-triggering can never shorten an extended lock. The emergency
// module is notified after the transition commits; notification failure never
// undoes the stop.
func (e *Engine) EmergencyStop(id [32]byte, caller [20]byte, panicCode []byte) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	supplied, err := e.emergencyStopLocked(id, caller, panicCode)
	if err != nil {
		return err
	}
	// Notified outside the engine lock: the emergency module's escrow checker
	// reads back into this engine. The transition is already committed, so a
	// notification failure never undoes the stop.
	if policy, ok := e.emergency(); ok {
		if err := policy.Activate(id, caller, supplied, "escrow emergency stop"); err != nil {
			e.fallback("emergency_stop_notify", err.Error())
		}
	}
	return nil
}

func (e *Engine) emergencyStopLocked(id [32]byte, caller [20]byte, panicCode []byte) ([32]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.load(id)
	if err != nil {
		return [32]byte{}, err
	}
	if caller != rec.Buyer {
		return [32]byte{}, ErrUnauthorized
	}
	if rec.Status != StatusFunded && rec.Status != StatusLocked {
		return [32]byte{}, ErrInvalidState
	}
	supplied := HashPanicCode(panicCode)
	if subtle.ConstantTimeCompare(supplied[:], rec.PanicHash[:]) != 1 {
		return [32]byte{}, ErrInvalidPanicCode
	}

	extension := fallbackEmergencyExtension
	if policy, ok := e.emergency(); ok {
		if ext, err := policy.Extension(id, caller); err == nil {
			extension = ext
		} else {
			e.fallback("emergency_stop", err.Error())
		}
	} else {
		e.fallback("emergency_stop", "emergency module absent")
	}

	now := e.nowFn()
	if rec.Status == StatusLocked {
		rec.TimeLockEnd += extension
	} else {
		rec.TimeLockEnd = now + extension
	}
	rec.Status = StatusEmergency
	rec.Emergency = &EmergencyRecord{
		Activator:   caller,
		ActivatedAt: now,
		Extension:   extension,
		CodeHash:    supplied,
	}
	if err := e.put(rec); err != nil {
		return [32]byte{}, err
	}
	e.emit(NewEmergencyEvent(rec, extension))
	return supplied, nil
}

// RaiseDispute freezes the escrow pending external resolution. Either party
// may raise one; at most one unresolved dispute exists per escrow. The lock
// extension comes from the time-lock policy with a 72 hour fallback and is
// additive to a running lock end.
func (e *Engine) RaiseDispute(id [32]byte, caller [20]byte, reason string) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return ErrInvalidDescription
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.load(id)
	if err != nil {
		return err
	}
	if caller != rec.Seller && caller != rec.Buyer {
		return ErrUnauthorized
	}
	if rec.Dispute != nil && !rec.Dispute.Resolved {
		return ErrDisputeAlreadyActive
	}
	if rec.Status == StatusEmergency {
		return ErrEmergencyActive
	}
	if rec.Status != StatusFunded && rec.Status != StatusLocked {
		return ErrInvalidState
	}

	extension := fallbackDisputeExtension
	if policy, ok := e.timelock(); ok {
		if ext, err := policy.DisputeExtension(); err == nil {
			extension = ext
		} else {
			e.fallback("raise_dispute", err.Error())
		}
	} else {
		e.fallback("raise_dispute", "timelock module absent")
	}

	now := e.nowFn()
	if rec.Status == StatusLocked {
		rec.TimeLockEnd += extension
	} else {
		rec.TimeLockEnd = now + extension
	}
	rec.Status = StatusDisputed
	rec.Dispute = &DisputeRecord{
		Disputant: caller,
		Reason:    trimmed,
		FiledAt:   now,
	}
	if err := e.put(rec); err != nil {
		return err
	}
	e.emit(NewDisputeRaisedEvent(rec, extension))
	return nil
}

// Cancel abandons an escrow before any funds are committed. Either party may
// cancel while the escrow is still in Created.
func (e *Engine) Cancel(id [32]byte, caller [20]byte) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.load(id)
	if err != nil {
		return err
	}
	if caller != rec.Seller && caller != rec.Buyer {
		return ErrUnauthorized
	}
	if rec.Status != StatusCreated {
		return ErrInvalidState
	}
	rec.Status = StatusCancelled
	if err := e.put(rec); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(rec))
	return nil
}

// Get returns a sanitized snapshot of the escrow record.
func (e *Engine) Get(id [32]byte) (*Escrow, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := &Escrow{}
	ok, err := e.state.KVGet(recordKey(id), rec)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return rec.Sanitize(), true, nil
}

// Exists reports whether an escrow record exists for the id.
func (e *Engine) Exists(id [32]byte) bool {
	if e == nil || e.state == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := &Escrow{}
	ok, err := e.state.KVGet(recordKey(id), rec)
	return err == nil && ok
}

// RemainingLockTime returns the seconds until the lock expires, zero when the
// escrow is not in a lock-bearing state or the lock has already passed.
func (e *Engine) RemainingLockTime(id [32]byte) (int64, error) {
	if e == nil || e.state == nil {
		return 0, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.load(id)
	if err != nil {
		return 0, err
	}
	switch rec.Status {
	case StatusLocked, StatusDisputed, StatusEmergency:
	default:
		return 0, nil
	}
	remaining := rec.TimeLockEnd - e.nowFn()
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// IsExpired reports whether a running lock has passed its end.
func (e *Engine) IsExpired(id [32]byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.load(id)
	if err != nil {
		return false, err
	}
	if rec.TimeLockEnd == 0 {
		return false, nil
	}
	return e.nowFn() >= rec.TimeLockEnd, nil
}

// VerifyPanicCode reports whether the supplied code matches the committed
// hash without exposing the hash itself. Client convenience only; the
// authoritative check lives in EmergencyStop.
func (e *Engine) VerifyPanicCode(id [32]byte, code []byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.load(id)
	if err != nil {
		return false, err
	}
	if rec.PanicHash == ([32]byte{}) {
		return false, nil
	}
	supplied := HashPanicCode(code)
	return subtle.ConstantTimeCompare(supplied[:], rec.PanicHash[:]) == 1, nil
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("escrow: insufficient balance")
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}
