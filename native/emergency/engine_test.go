package emergency

import (
	"errors"
	"testing"

	"safehold/core/state"
	storagepkg "safehold/storage"
)

var testAdmin = [20]byte{0xAD}

type testClock struct {
	now int64
}

func (c *testClock) fn() func() int64 { return func() int64 { return c.now } }

func newTestEngine(t *testing.T) (*Engine, *testClock) {
	t.Helper()
	eng, err := NewEngine(state.NewManager(storagepkg.NewMemDB()), testAdmin, Config{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	clock := &testClock{now: 1_700_000_000}
	eng.SetNowFunc(clock.fn())
	return eng, clock
}

func addr(fill byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = fill
	}
	return a
}

func escrowID(fill byte) [32]byte {
	var id [32]byte
	for i := range id {
		id[i] = fill
	}
	return id
}

func TestActivateAndDoubleActivate(t *testing.T) {
	eng, _ := newTestEngine(t)
	escrow := escrowID(0x01)
	buyer := addr(0x02)

	if err := eng.Activate(escrow, buyer, [32]byte{0xCC}, "coercion"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	record, ok, err := eng.Activation(escrow)
	if err != nil || !ok {
		t.Fatalf("Activation: ok=%v err=%v", ok, err)
	}
	if !record.Active || record.Activator != buyer {
		t.Fatalf("unexpected record: %+v", record)
	}

	if err := eng.Activate(escrow, buyer, [32]byte{0xCC}, "again"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestActivateCooldown(t *testing.T) {
	eng, clock := newTestEngine(t)
	buyer := addr(0x03)

	if err := eng.Activate(escrowID(0x01), buyer, [32]byte{0x01}, "first"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	// Cooldown applies per activator across different escrows.
	clock.now += DefaultCooldown - 1
	if err := eng.Activate(escrowID(0x02), buyer, [32]byte{0x02}, "second"); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive, got %v", err)
	}
	clock.now += 1
	if err := eng.Activate(escrowID(0x02), buyer, [32]byte{0x02}, "second"); err != nil {
		t.Fatalf("Activate after cooldown: %v", err)
	}
}

func TestActivateDailyCap(t *testing.T) {
	eng, clock := newTestEngine(t)
	buyer := addr(0x04)

	for i := byte(0); i < 3; i++ {
		if err := eng.Activate(escrowID(0x10+i), buyer, [32]byte{i}, "panic"); err != nil {
			t.Fatalf("Activate %d: %v", i, err)
		}
		clock.now += DefaultCooldown
	}
	if err := eng.Activate(escrowID(0x20), buyer, [32]byte{0x20}, "panic"); !errors.Is(err, ErrMaxActivationsReached) {
		t.Fatalf("expected ErrMaxActivationsReached, got %v", err)
	}

	// The cap rolls: once the first activation ages out of the 24h window a
	// new one is admitted again.
	clock.now += activationWindow
	if err := eng.Activate(escrowID(0x20), buyer, [32]byte{0x20}, "panic"); err != nil {
		t.Fatalf("Activate after window: %v", err)
	}
}

func TestExtensionEscalation(t *testing.T) {
	eng, clock := newTestEngine(t)
	buyer := addr(0x05)

	// A fresh activator's first stop carries the base extension.
	ext, err := eng.Extension(escrowID(0x01), buyer)
	if err != nil {
		t.Fatalf("Extension: %v", err)
	}
	if ext != DefaultBaseExtension {
		t.Fatalf("fresh activator should get the base extension, got %d", ext)
	}

	if err := eng.Activate(escrowID(0x01), buyer, [32]byte{0x01}, "panic"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	ext, err = eng.Extension(escrowID(0x02), buyer)
	if err != nil {
		t.Fatalf("Extension: %v", err)
	}
	if ext != DefaultBaseExtension+escalationStep {
		t.Fatalf("second activation should escalate by one step, got %d", ext)
	}

	// History follows the activator, not the escrow.
	ext, err = eng.Extension(escrowID(0x02), addr(0x06))
	if err != nil {
		t.Fatalf("Extension: %v", err)
	}
	if ext != DefaultBaseExtension {
		t.Fatalf("unrelated activator must not inherit escalation, got %d", ext)
	}

	// Escalation never exceeds the absolute maximum.
	for i := byte(2); i < 12; i++ {
		clock.now += activationWindow
		if err := eng.Activate(escrowID(i), buyer, [32]byte{i}, "panic"); err != nil {
			t.Fatalf("Activate %d: %v", i, err)
		}
	}
	ext, err = eng.Extension(escrowID(0x40), buyer)
	if err != nil {
		t.Fatalf("Extension: %v", err)
	}
	if ext != DefaultMaxExtension {
		t.Fatalf("escalation must cap at %d, got %d", DefaultMaxExtension, ext)
	}
}

func TestExtensionRequiresActivator(t *testing.T) {
	eng, _ := newTestEngine(t)
	if _, err := eng.Extension(escrowID(0x77), [20]byte{}); !errors.Is(err, ErrInvalidActivator) {
		t.Fatalf("zero activator should be rejected, got %v", err)
	}
}

func TestResolveAuthorization(t *testing.T) {
	eng, _ := newTestEngine(t)
	escrow := escrowID(0x01)
	buyer := addr(0x06)
	contactAddr := addr(0x07)

	if err := eng.Resolve(escrow, testAdmin, "nothing"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("resolving without a record should fail, got %v", err)
	}

	if err := eng.Activate(escrow, buyer, [32]byte{0x01}, "panic"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := eng.Resolve(escrow, addr(0x99), "not allowed"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger resolution should be rejected, got %v", err)
	}

	contact, err := eng.AddContact(testAdmin, contactAddr, "on-call")
	if err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	if contact.ID == "" {
		t.Fatalf("contact should receive an identifier")
	}
	if err := eng.Resolve(escrow, contactAddr, "verified with buyer"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	record, ok, err := eng.Activation(escrow)
	if err != nil || !ok {
		t.Fatalf("Activation: ok=%v err=%v", ok, err)
	}
	if record.Active || record.Resolver != contactAddr {
		t.Fatalf("unexpected resolved record: %+v", record)
	}

	contacts, err := eng.Contacts()
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].Responses != 1 {
		t.Fatalf("resolver response counter not incremented: %+v", contacts)
	}

	if err := eng.Resolve(escrow, contactAddr, "again"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("double resolve should fail, got %v", err)
	}
}

func TestContactRoster(t *testing.T) {
	eng, _ := newTestEngine(t)
	contactAddr := addr(0x08)

	if _, err := eng.AddContact(addr(0x01), contactAddr, "x"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin add should fail, got %v", err)
	}
	if _, err := eng.AddContact(testAdmin, contactAddr, ""); !errors.Is(err, ErrInvalidContact) {
		t.Fatalf("empty name should fail, got %v", err)
	}
	first, err := eng.AddContact(testAdmin, contactAddr, "on-call")
	if err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	if _, err := eng.AddContact(testAdmin, contactAddr, "dup"); !errors.Is(err, ErrContactExists) {
		t.Fatalf("duplicate add should fail, got %v", err)
	}
	if err := eng.RemoveContact(testAdmin, contactAddr); err != nil {
		t.Fatalf("RemoveContact: %v", err)
	}
	if err := eng.RemoveContact(testAdmin, contactAddr); !errors.Is(err, ErrContactNotFound) {
		t.Fatalf("double remove should fail, got %v", err)
	}
	// Re-adding keeps the stable identifier.
	again, err := eng.AddContact(testAdmin, contactAddr, "on-call")
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("reactivated contact should keep its id")
	}
}

type failingAlerter struct{ calls int }

func (f *failingAlerter) Alert(*Contact, [32]byte) error {
	f.calls++
	return errors.New("pager down")
}

func TestAlertFailureNeverUndoesActivation(t *testing.T) {
	eng, _ := newTestEngine(t)
	alerter := &failingAlerter{}
	eng.SetAlerter(alerter)
	if _, err := eng.AddContact(testAdmin, addr(0x09), "on-call"); err != nil {
		t.Fatalf("AddContact: %v", err)
	}

	escrow := escrowID(0x42)
	if err := eng.Activate(escrow, addr(0x0A), [32]byte{0x01}, "panic"); err != nil {
		t.Fatalf("Activate with failing alerter must still succeed: %v", err)
	}
	if alerter.calls != 1 {
		t.Fatalf("alerter should have been attempted once, got %d", alerter.calls)
	}
	_, ok, err := eng.Activation(escrow)
	if err != nil || !ok {
		t.Fatalf("activation record missing after alert failure: ok=%v err=%v", ok, err)
	}
}
