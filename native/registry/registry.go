package registry

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"safehold/core/events"
	coretypes "safehold/core/types"
	"safehold/native/common"
	"safehold/native/escrow"
)

// Well-known address book entries. Absence of any of them is a legitimate
// configured state; consumers fall back to constants.
const (
	ModuleTimeLock   = "timelock"
	ModuleEmergency  = "emergency"
	ModuleDispute    = "dispute"
	ModuleReputation = "reputation"
)

// PauseScope is the pause-guard name under which escrow creation is gated.
// Pausing never blocks operations on escrows that already exist.
const PauseScope = "registry"

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	GetAccount(addr []byte) (*coretypes.Account, error)
	PutAccount(addr []byte, acc *coretypes.Account) error
}

var (
	metaKey      = []byte("registry/meta")
	sellerPrefix = []byte("registry/seller/")
	tradePrefix  = []byte("registry/trade/")
)

func sellerKey(seller [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%s", sellerPrefix, hex.EncodeToString(seller[:])))
}

func tradeKey(tradeID [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%s", tradePrefix, hex.EncodeToString(tradeID[:])))
}

// meta is the durable registry record: template version, fee accounting and
// the escrow counter. The module address book is wiring-time state and lives
// in memory.
type meta struct {
	Template        uint64   `json:"template"`
	CreationFee     *big.Int `json:"creationFee"`
	AccumulatedFees *big.Int `json:"accumulatedFees"`
	TotalEscrows    uint64   `json:"totalEscrows"`
	Paused          bool     `json:"paused"`
}

func (m *meta) normalize() {
	if m.CreationFee == nil {
		m.CreationFee = big.NewInt(0)
	}
	if m.AccumulatedFees == nil {
		m.AccumulatedFees = big.NewInt(0)
	}
}

// CreateEscrowParams carries the trade terms handed to CreateEscrow. Deep
// validation is delegated to the escrow engine.
type CreateEscrowParams struct {
	Seller       [20]byte
	Buyer        [20]byte
	Amount       *big.Int
	Description  string
	TradeID      [32]byte
	LockOverride int64
}

// Registry is the escrow factory. It enforces one escrow per trade id,
// collects the creation fee, owns the module address book escrows consult
// through their back-reference, and gates creation behind a pause flag.
type Registry struct {
	mu       sync.Mutex
	state    engineState
	engine   *escrow.Engine
	owner    [20]byte
	feeVault [20]byte
	emitter  events.Emitter

	modMu   sync.RWMutex
	modules map[string]interface{}
	paused  bool
}

// NewRegistry constructs the factory around an escrow engine. The fee vault
// account holds collected creation fees until withdrawal. The registry wires
// itself into the engine as its module address book.
func NewRegistry(state engineState, engine *escrow.Engine, owner, feeVault [20]byte, creationFee *big.Int, template uint64) (*Registry, error) {
	if state == nil || engine == nil {
		return nil, ErrNilState
	}
	if creationFee == nil || creationFee.Sign() < 0 {
		return nil, ErrInvalidFee
	}
	r := &Registry{
		state:    state,
		engine:   engine,
		owner:    owner,
		feeVault: feeVault,
		emitter:  events.NoopEmitter{},
		modules:  make(map[string]interface{}),
	}
	m := &meta{}
	ok, err := state.KVGet(metaKey, m)
	if err != nil {
		return nil, err
	}
	if !ok {
		m = &meta{Template: template, CreationFee: new(big.Int).Set(creationFee), AccumulatedFees: big.NewInt(0)}
		if err := state.KVPut(metaKey, m); err != nil {
			return nil, err
		}
	}
	m.normalize()
	r.paused = m.Paused
	engine.SetModules(r)
	return r, nil
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

func (r *Registry) emit(evt *coretypes.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(registryEvent{evt: evt})
}

func (r *Registry) loadMeta() (*meta, error) {
	m := &meta{}
	if _, err := r.state.KVGet(metaKey, m); err != nil {
		return nil, err
	}
	m.normalize()
	return m, nil
}

// CreateEscrow instantiates and registers a new escrow for the trade. The
// payment must cover at least the current creation fee; any excess is
// retained with the fee. The fee is accounted before the escrow is
// instantiated and refunded if instantiation fails, so an escrow is
// registered if and only if its fee was collected.
func (r *Registry) CreateEscrow(p CreateEscrowParams, feePaid *big.Int) ([32]byte, error) {
	if r == nil || r.state == nil {
		return [32]byte{}, ErrNilState
	}
	if err := common.Guard(r, PauseScope); err != nil {
		return [32]byte{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.loadMeta()
	if err != nil {
		return [32]byte{}, err
	}
	if feePaid == nil || feePaid.Cmp(m.CreationFee) < 0 {
		return [32]byte{}, ErrInsufficientFee
	}
	if p.TradeID == ([32]byte{}) {
		return [32]byte{}, escrow.ErrInvalidTradeID
	}
	var taken [32]byte
	ok, err := r.state.KVGet(tradeKey(p.TradeID), &taken)
	if err != nil {
		return [32]byte{}, err
	}
	if ok && taken != ([32]byte{}) {
		return [32]byte{}, ErrDuplicateTradeID
	}

	if err := r.transfer(p.Seller, r.feeVault, feePaid); err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrFeeTransfer, err)
	}
	m.AccumulatedFees = new(big.Int).Add(m.AccumulatedFees, feePaid)
	if err := r.state.KVPut(metaKey, m); err != nil {
		return [32]byte{}, err
	}

	rec, err := r.engine.Create(escrow.CreateParams{
		Seller:       p.Seller,
		Buyer:        p.Buyer,
		Amount:       p.Amount,
		Description:  p.Description,
		TradeID:      p.TradeID,
		LockOverride: p.LockOverride,
		Template:     m.Template,
	})
	if err != nil {
		// Instantiation failed after the fee moved: compensate so the
		// whole operation has no effect.
		m.AccumulatedFees = new(big.Int).Sub(m.AccumulatedFees, feePaid)
		if putErr := r.state.KVPut(metaKey, m); putErr != nil {
			return [32]byte{}, putErr
		}
		if refundErr := r.transfer(r.feeVault, p.Seller, feePaid); refundErr != nil {
			return [32]byte{}, fmt.Errorf("%w: %v", ErrFeeTransfer, refundErr)
		}
		return [32]byte{}, err
	}

	if err := r.state.KVPut(tradeKey(p.TradeID), rec.ID); err != nil {
		return [32]byte{}, err
	}
	var list [][32]byte
	if _, err := r.state.KVGet(sellerKey(p.Seller), &list); err != nil {
		return [32]byte{}, err
	}
	list = append(list, rec.ID)
	if err := r.state.KVPut(sellerKey(p.Seller), list); err != nil {
		return [32]byte{}, err
	}
	m.TotalEscrows++
	if err := r.state.KVPut(metaKey, m); err != nil {
		return [32]byte{}, err
	}
	r.emit(NewEscrowCreatedEvent(rec.ID, p.TradeID, p.Seller, p.Buyer, m.Template))
	return rec.ID, nil
}

// SetModule wires (or with a nil handle, unwires) a named module in the
// address book. Administrator only; reads are world-visible.
func (r *Registry) SetModule(caller [20]byte, name string, handle interface{}) error {
	if r == nil {
		return ErrNilState
	}
	if caller != r.owner {
		return ErrUnauthorized
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ErrInvalidModule
	}
	r.modMu.Lock()
	if handle == nil {
		delete(r.modules, trimmed)
	} else {
		r.modules[trimmed] = handle
	}
	r.modMu.Unlock()
	r.emit(NewModuleUpdatedEvent(trimmed, handle != nil))
	return nil
}

// GetModule returns the named module handle. Absence is not an error.
func (r *Registry) GetModule(name string) (interface{}, bool) {
	if r == nil {
		return nil, false
	}
	r.modMu.RLock()
	defer r.modMu.RUnlock()
	handle, ok := r.modules[name]
	return handle, ok
}

// TimeLockPolicy resolves the wired time-lock module for escrow back-calls.
func (r *Registry) TimeLockPolicy() (escrow.TimeLockPolicy, bool) {
	handle, ok := r.GetModule(ModuleTimeLock)
	if !ok {
		return nil, false
	}
	policy, ok := handle.(escrow.TimeLockPolicy)
	return policy, ok
}

// EmergencyPolicy resolves the wired emergency module for escrow back-calls.
func (r *Registry) EmergencyPolicy() (escrow.EmergencyPolicy, bool) {
	handle, ok := r.GetModule(ModuleEmergency)
	if !ok {
		return nil, false
	}
	policy, ok := handle.(escrow.EmergencyPolicy)
	return policy, ok
}

// EscrowExists reports whether an escrow record exists. Satisfies the
// emergency engine's escrow checker.
func (r *Registry) EscrowExists(id [32]byte) bool {
	if r == nil || r.engine == nil {
		return false
	}
	return r.engine.Exists(id)
}

// IsPaused reports whether the named scope is paused. Only escrow creation is
// ever gated.
func (r *Registry) IsPaused(module string) bool {
	if r == nil || module != PauseScope {
		return false
	}
	r.modMu.RLock()
	defer r.modMu.RUnlock()
	return r.paused
}

func (r *Registry) setPaused(caller [20]byte, paused bool) error {
	if r == nil || r.state == nil {
		return ErrNilState
	}
	if caller != r.owner {
		return ErrUnauthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.loadMeta()
	if err != nil {
		return err
	}
	m.Paused = paused
	if err := r.state.KVPut(metaKey, m); err != nil {
		return err
	}
	r.modMu.Lock()
	r.paused = paused
	r.modMu.Unlock()
	r.emit(NewPauseEvent(paused))
	return nil
}

// Pause blocks CreateEscrow. In-flight escrows are unaffected.
func (r *Registry) Pause(caller [20]byte) error { return r.setPaused(caller, true) }

// Unpause re-enables CreateEscrow.
func (r *Registry) Unpause(caller [20]byte) error { return r.setPaused(caller, false) }

// SetCreationFee updates the fee charged by future CreateEscrow calls.
// Administrator only.
func (r *Registry) SetCreationFee(caller [20]byte, fee *big.Int) error {
	if r == nil || r.state == nil {
		return ErrNilState
	}
	if caller != r.owner {
		return ErrUnauthorized
	}
	if fee == nil || fee.Sign() < 0 {
		return ErrInvalidFee
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.loadMeta()
	if err != nil {
		return err
	}
	m.CreationFee = new(big.Int).Set(fee)
	if err := r.state.KVPut(metaKey, m); err != nil {
		return err
	}
	r.emit(NewFeeUpdatedEvent(fee.String()))
	return nil
}

// WithdrawFees pays accumulated creation fees out of the fee vault.
// Administrator only; never more than has accumulated.
func (r *Registry) WithdrawFees(caller, to [20]byte, amount *big.Int) error {
	if r == nil || r.state == nil {
		return ErrNilState
	}
	if caller != r.owner {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidFee
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.loadMeta()
	if err != nil {
		return err
	}
	if amount.Cmp(m.AccumulatedFees) > 0 {
		return ErrWithdrawExceeds
	}
	if err := r.transfer(r.feeVault, to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrFeeTransfer, err)
	}
	m.AccumulatedFees = new(big.Int).Sub(m.AccumulatedFees, amount)
	if err := r.state.KVPut(metaKey, m); err != nil {
		return err
	}
	r.emit(NewFeesWithdrawnEvent(to, amount.String()))
	return nil
}

// SetTemplate rotates the implementation template stamped onto future
// escrows. Already-created escrows keep the version they were created with.
func (r *Registry) SetTemplate(caller [20]byte, version uint64) error {
	if r == nil || r.state == nil {
		return ErrNilState
	}
	if caller != r.owner {
		return ErrUnauthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.loadMeta()
	if err != nil {
		return err
	}
	m.Template = version
	if err := r.state.KVPut(metaKey, m); err != nil {
		return err
	}
	r.emit(NewTemplateRotatedEvent(version))
	return nil
}

// SellerEscrows lists the escrow ids created by the seller, oldest first.
func (r *Registry) SellerEscrows(seller [20]byte) ([][32]byte, error) {
	if r == nil || r.state == nil {
		return nil, ErrNilState
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var list [][32]byte
	if _, err := r.state.KVGet(sellerKey(seller), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// CountBySeller returns how many escrows the seller has created.
func (r *Registry) CountBySeller(seller [20]byte) (uint64, error) {
	list, err := r.SellerEscrows(seller)
	if err != nil {
		return 0, err
	}
	return uint64(len(list)), nil
}

// TotalEscrows returns the registry-wide escrow count.
func (r *Registry) TotalEscrows() (uint64, error) {
	if r == nil || r.state == nil {
		return 0, ErrNilState
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.loadMeta()
	if err != nil {
		return 0, err
	}
	return m.TotalEscrows, nil
}

// EscrowByTradeID resolves the escrow registered under the trade id.
func (r *Registry) EscrowByTradeID(tradeID [32]byte) ([32]byte, bool, error) {
	if r == nil || r.state == nil {
		return [32]byte{}, false, ErrNilState
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var id [32]byte
	ok, err := r.state.KVGet(tradeKey(tradeID), &id)
	if err != nil {
		return [32]byte{}, false, err
	}
	if !ok || id == ([32]byte{}) {
		return [32]byte{}, false, nil
	}
	return id, true, nil
}

// EscrowInfo returns the sanitized public snapshot of an escrow.
func (r *Registry) EscrowInfo(id [32]byte) (*escrow.Escrow, bool, error) {
	if r == nil || r.engine == nil {
		return nil, false, ErrNilState
	}
	return r.engine.Get(id)
}

// CreationFee returns the current creation fee.
func (r *Registry) CreationFee() (*big.Int, error) {
	m, err := r.snapshotMeta()
	if err != nil {
		return nil, err
	}
	return m.CreationFee, nil
}

// AccumulatedFees returns the undrawn fee balance.
func (r *Registry) AccumulatedFees() (*big.Int, error) {
	m, err := r.snapshotMeta()
	if err != nil {
		return nil, err
	}
	return m.AccumulatedFees, nil
}

// Template returns the implementation version stamped onto new escrows.
func (r *Registry) Template() (uint64, error) {
	m, err := r.snapshotMeta()
	if err != nil {
		return 0, err
	}
	return m.Template, nil
}

func (r *Registry) snapshotMeta() (*meta, error) {
	if r == nil || r.state == nil {
		return nil, ErrNilState
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadMeta()
}

func (r *Registry) transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("registry: negative transfer amount")
	}
	fromAcc, err := r.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("registry: insufficient balance")
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
