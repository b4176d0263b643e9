package registry

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"safehold/core/state"
	"safehold/native/common"
	"safehold/native/emergency"
	"safehold/native/escrow"
	"safehold/native/timelock"
	"safehold/storage"
)

var (
	testOwner    = [20]byte{0xAD}
	testFeeVault = [20]byte{0xFE}
	testVault    = [20]byte{0xEC}
)

func addr(fill byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = fill
	}
	return a
}

func tradeID(fill byte) [32]byte {
	var id [32]byte
	for i := range id {
		id[i] = fill
	}
	return id
}

type fixture struct {
	registry *Registry
	engine   *escrow.Engine
	mgr      *state.Manager
	seller   [20]byte
	buyer    [20]byte
}

func newFixture(t *testing.T, fee int64) *fixture {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	eng := escrow.NewEngine(mgr, testVault)
	reg, err := NewRegistry(mgr, eng, testOwner, testFeeVault, big.NewInt(fee), 1)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return &fixture{registry: reg, engine: eng, mgr: mgr, seller: addr(0x51), buyer: addr(0xB1)}
}

func (f *fixture) fund(t *testing.T, a [20]byte, amount int64) {
	t.Helper()
	acc, err := f.mgr.GetAccount(a[:])
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	acc.Balance = big.NewInt(amount)
	if err := f.mgr.PutAccount(a[:], acc); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, a [20]byte) *big.Int {
	t.Helper()
	acc, err := f.mgr.GetAccount(a[:])
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return acc.Balance
}

func (f *fixture) params(trade byte) CreateEscrowParams {
	return CreateEscrowParams{
		Seller:      f.seller,
		Buyer:       f.buyer,
		Amount:      big.NewInt(100),
		Description: "one widget",
		TradeID:     tradeID(trade),
	}
}

func TestCreateEscrowRegisters(t *testing.T) {
	f := newFixture(t, 10)
	f.fund(t, f.seller, 1_000)

	id, err := f.registry.CreateEscrow(f.params(0x01), big.NewInt(10))
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if !f.registry.EscrowExists(id) {
		t.Fatalf("created escrow not found")
	}
	got, ok, err := f.registry.EscrowByTradeID(tradeID(0x01))
	if err != nil || !ok || got != id {
		t.Fatalf("EscrowByTradeID: id=%x ok=%v err=%v", got, ok, err)
	}
	list, err := f.registry.SellerEscrows(f.seller)
	if err != nil || len(list) != 1 || list[0] != id {
		t.Fatalf("SellerEscrows: %v err=%v", list, err)
	}
	count, err := f.registry.CountBySeller(f.seller)
	if err != nil || count != 1 {
		t.Fatalf("CountBySeller: %d err=%v", count, err)
	}
	total, err := f.registry.TotalEscrows()
	if err != nil || total != 1 {
		t.Fatalf("TotalEscrows: %d err=%v", total, err)
	}
	info, ok, err := f.registry.EscrowInfo(id)
	if err != nil || !ok {
		t.Fatalf("EscrowInfo: ok=%v err=%v", ok, err)
	}
	if info.Status != escrow.StatusCreated || info.Template != 1 {
		t.Fatalf("unexpected info snapshot: %+v", info)
	}
}

// Duplicate trade ids are rejected and the count rises by exactly one.
func TestDuplicateTradeID(t *testing.T) {
	f := newFixture(t, 10)
	f.fund(t, f.seller, 1_000)
	other := addr(0x52)
	f.fund(t, other, 1_000)

	if _, err := f.registry.CreateEscrow(f.params(0x01), big.NewInt(10)); err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	p := f.params(0x01)
	p.Seller = other
	if _, err := f.registry.CreateEscrow(p, big.NewInt(10)); !errors.Is(err, ErrDuplicateTradeID) {
		t.Fatalf("duplicate trade id should be rejected, got %v", err)
	}
	total, err := f.registry.TotalEscrows()
	if err != nil || total != 1 {
		t.Fatalf("duplicate must not be counted: total=%d err=%v", total, err)
	}
}

// An underpaid creation leaves the trade id unclaimed and nothing registered;
// paying properly afterwards succeeds.
func TestInsufficientFee(t *testing.T) {
	f := newFixture(t, 10)
	f.fund(t, f.seller, 1_000)

	if _, err := f.registry.CreateEscrow(f.params(0x01), big.NewInt(9)); !errors.Is(err, ErrInsufficientFee) {
		t.Fatalf("short fee should be rejected, got %v", err)
	}
	if _, ok, _ := f.registry.EscrowByTradeID(tradeID(0x01)); ok {
		t.Fatalf("failed creation must not claim the trade id")
	}
	total, _ := f.registry.TotalEscrows()
	if total != 0 {
		t.Fatalf("failed creation must not be counted: %d", total)
	}
	if f.balance(t, f.seller).Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("failed creation must not charge: %s", f.balance(t, f.seller))
	}
	if _, err := f.registry.CreateEscrow(f.params(0x01), big.NewInt(10)); err != nil {
		t.Fatalf("retry with full fee: %v", err)
	}
}

func TestFeeConservation(t *testing.T) {
	f := newFixture(t, 10)
	f.fund(t, f.seller, 1_000)

	for i := byte(1); i <= 5; i++ {
		if _, err := f.registry.CreateEscrow(f.params(i), big.NewInt(10)); err != nil {
			t.Fatalf("CreateEscrow %d: %v", i, err)
		}
	}
	acc, err := f.registry.AccumulatedFees()
	if err != nil || acc.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("accumulated fees: %s err=%v", acc, err)
	}
	// Overpayment is retained with the fee.
	if _, err := f.registry.CreateEscrow(f.params(0x10), big.NewInt(13)); err != nil {
		t.Fatalf("CreateEscrow with excess: %v", err)
	}
	acc, _ = f.registry.AccumulatedFees()
	if acc.Cmp(big.NewInt(63)) != 0 {
		t.Fatalf("excess not retained: %s", acc)
	}

	sink := addr(0x77)
	if err := f.registry.WithdrawFees(testOwner, sink, big.NewInt(64)); !errors.Is(err, ErrWithdrawExceeds) {
		t.Fatalf("over-withdrawal should fail, got %v", err)
	}
	if err := f.registry.WithdrawFees(addr(0x01), sink, big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner withdrawal should fail, got %v", err)
	}
	if err := f.registry.WithdrawFees(testOwner, sink, big.NewInt(63)); err != nil {
		t.Fatalf("WithdrawFees: %v", err)
	}
	if f.balance(t, sink).Cmp(big.NewInt(63)) != 0 {
		t.Fatalf("withdrawal not paid: %s", f.balance(t, sink))
	}
	acc, _ = f.registry.AccumulatedFees()
	if acc.Sign() != 0 {
		t.Fatalf("fees not drained: %s", acc)
	}
}

func TestFailedInstantiationRefundsFee(t *testing.T) {
	f := newFixture(t, 10)
	f.fund(t, f.seller, 1_000)

	p := f.params(0x01)
	p.Buyer = p.Seller
	if _, err := f.registry.CreateEscrow(p, big.NewInt(10)); !errors.Is(err, escrow.ErrInvalidParty) {
		t.Fatalf("invalid terms should surface the engine error, got %v", err)
	}
	if f.balance(t, f.seller).Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("fee not refunded: %s", f.balance(t, f.seller))
	}
	acc, _ := f.registry.AccumulatedFees()
	if acc.Sign() != 0 {
		t.Fatalf("fee accounting not compensated: %s", acc)
	}
}

// Pausing gates creation only; operations on existing escrows keep working.
func TestPauseBlocksCreationOnly(t *testing.T) {
	f := newFixture(t, 10)
	f.fund(t, f.seller, 1_000)
	f.fund(t, f.buyer, 1_000)

	id, err := f.registry.CreateEscrow(f.params(0x01), big.NewInt(10))
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if err := f.registry.Pause(addr(0x01)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner pause should fail, got %v", err)
	}
	if err := f.registry.Pause(testOwner); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := f.registry.CreateEscrow(f.params(0x02), big.NewInt(10)); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("creation while paused should fail, got %v", err)
	}
	if err := f.engine.Fund(id, f.buyer, escrow.HashPanicCode([]byte("c")), big.NewInt(100)); err != nil {
		t.Fatalf("in-flight escrow blocked by pause: %v", err)
	}
	if err := f.registry.Unpause(testOwner); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if _, err := f.registry.CreateEscrow(f.params(0x02), big.NewInt(10)); err != nil {
		t.Fatalf("creation after unpause: %v", err)
	}
}

func TestModuleAddressBook(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, f.seller, 1_000)

	if _, ok := f.registry.GetModule(ModuleTimeLock); ok {
		t.Fatalf("absent module should not resolve")
	}
	if _, ok := f.registry.TimeLockPolicy(); ok {
		t.Fatalf("absent policy should not resolve")
	}
	policy, err := timelock.New(testOwner, timelock.Config{})
	if err != nil {
		t.Fatalf("timelock.New: %v", err)
	}
	if err := f.registry.SetModule(addr(0x01), ModuleTimeLock, policy); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner wiring should fail, got %v", err)
	}
	if err := f.registry.SetModule(testOwner, ModuleTimeLock, policy); err != nil {
		t.Fatalf("SetModule: %v", err)
	}
	resolved, ok := f.registry.TimeLockPolicy()
	if !ok || resolved == nil {
		t.Fatalf("wired policy should resolve")
	}
	// An out-of-bounds override is now rejected at creation time.
	p := f.params(0x01)
	p.LockOverride = 60
	if _, err := f.registry.CreateEscrow(p, big.NewInt(0)); !errors.Is(err, escrow.ErrInvalidDuration) {
		t.Fatalf("policy-checked override should be rejected, got %v", err)
	}
	if err := f.registry.SetModule(testOwner, ModuleTimeLock, nil); err != nil {
		t.Fatalf("SetModule remove: %v", err)
	}
	if _, ok := f.registry.TimeLockPolicy(); ok {
		t.Fatalf("removed policy should not resolve")
	}
}

// The daemon wires the emergency module's escrow checker back through the
// registry into the escrow engine. A buyer panic must complete over that
// cycle, and the activator's escalation must land on the lock.
func TestEmergencyStopAcrossWiredModules(t *testing.T) {
	f := newFixture(t, 0)
	now := int64(1_700_000_000)
	f.engine.SetNowFunc(func() int64 { return now })

	em, err := emergency.NewEngine(f.mgr, testOwner, emergency.Config{})
	if err != nil {
		t.Fatalf("emergency.NewEngine: %v", err)
	}
	em.SetNowFunc(func() int64 { return now })
	em.SetEscrowChecker(f.registry)
	if err := f.registry.SetModule(testOwner, ModuleEmergency, em); err != nil {
		t.Fatalf("SetModule: %v", err)
	}

	f.fund(t, f.seller, 1_000)
	f.fund(t, f.buyer, 1_000)
	code := []byte("let me out")

	stop := func(trade byte) [32]byte {
		t.Helper()
		id, err := f.registry.CreateEscrow(f.params(trade), big.NewInt(0))
		if err != nil {
			t.Fatalf("CreateEscrow: %v", err)
		}
		if err := f.engine.Fund(id, f.buyer, escrow.HashPanicCode(code), big.NewInt(100)); err != nil {
			t.Fatalf("Fund: %v", err)
		}
		done := make(chan error, 1)
		go func() { done <- f.engine.EmergencyStop(id, f.buyer, code) }()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("EmergencyStop: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("EmergencyStop did not return with the registry checker wired")
		}
		return id
	}

	first := stop(0x01)
	act, ok, err := em.Activation(first)
	if err != nil || !ok || !act.Active {
		t.Fatalf("activation not recorded: ok=%v err=%v", ok, err)
	}
	rec, _, err := f.engine.Get(first)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.TimeLockEnd != now+emergency.DefaultBaseExtension {
		t.Fatalf("first stop should apply the base extension, got end %d", rec.TimeLockEnd)
	}

	// A second stop by the same buyer escalates by one day, and the escalated
	// value is the one applied to the lock.
	now += emergency.DefaultCooldown + 1
	second := stop(0x02)
	rec, _, err = f.engine.Get(second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Emergency == nil || rec.Emergency.Extension != emergency.DefaultBaseExtension+86_400 {
		t.Fatalf("second stop should carry the escalated extension: %+v", rec.Emergency)
	}
	if rec.TimeLockEnd != now+emergency.DefaultBaseExtension+86_400 {
		t.Fatalf("escalated extension must land on the lock, got end %d", rec.TimeLockEnd)
	}
}

func TestTemplateRotationStampsFutureEscrows(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, f.seller, 1_000)

	first, err := f.registry.CreateEscrow(f.params(0x01), big.NewInt(0))
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if err := f.registry.SetTemplate(testOwner, 2); err != nil {
		t.Fatalf("SetTemplate: %v", err)
	}
	second, err := f.registry.CreateEscrow(f.params(0x02), big.NewInt(0))
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	info, _, err := f.registry.EscrowInfo(first)
	if err != nil || info.Template != 1 {
		t.Fatalf("existing escrow rewritten: %+v err=%v", info, err)
	}
	info, _, err = f.registry.EscrowInfo(second)
	if err != nil || info.Template != 2 {
		t.Fatalf("new escrow missing rotated template: %+v err=%v", info, err)
	}
}

func TestSetCreationFee(t *testing.T) {
	f := newFixture(t, 10)
	f.fund(t, f.seller, 1_000)

	if err := f.registry.SetCreationFee(addr(0x01), big.NewInt(5)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner fee change should fail, got %v", err)
	}
	if err := f.registry.SetCreationFee(testOwner, big.NewInt(-1)); !errors.Is(err, ErrInvalidFee) {
		t.Fatalf("negative fee should fail, got %v", err)
	}
	if err := f.registry.SetCreationFee(testOwner, big.NewInt(25)); err != nil {
		t.Fatalf("SetCreationFee: %v", err)
	}
	if _, err := f.registry.CreateEscrow(f.params(0x01), big.NewInt(10)); !errors.Is(err, ErrInsufficientFee) {
		t.Fatalf("old fee should no longer suffice, got %v", err)
	}
	if _, err := f.registry.CreateEscrow(f.params(0x01), big.NewInt(25)); err != nil {
		t.Fatalf("CreateEscrow at new fee: %v", err)
	}
}
