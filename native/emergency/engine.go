package emergency

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"safehold/core/events"
	coretypes "safehold/core/types"
)

// storage abstracts the subset of state manager functionality required by the
// emergency engine.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// EscrowChecker validates that an activation targets a known escrow. Wired to
// the registry; a nil checker disables the lookup.
type EscrowChecker interface {
	EscrowExists(id [32]byte) bool
}

// Alerter delivers out-of-band notifications to security contacts. Delivery is
// strictly best-effort: a failing alerter never undoes an activation.
type Alerter interface {
	Alert(contact *Contact, escrow [32]byte) error
}

var (
	activePrefix    = []byte("emergency/active/")
	activatorPrefix = []byte("emergency/activator/")
	contactPrefix   = []byte("emergency/contact/")
	contactListKey  = []byte("emergency/contacts")
)

func activeKey(escrow [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%s", activePrefix, hex.EncodeToString(escrow[:])))
}

func activatorKey(activator [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%s", activatorPrefix, hex.EncodeToString(activator[:])))
}

func contactKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%s", contactPrefix, hex.EncodeToString(addr[:])))
}

// Engine records panic activations, enforces per-activator rate limits and
// computes escalating lock extensions. One activation record exists per escrow
// at a time; activator bookkeeping is global across escrows.
type Engine struct {
	mu      sync.Mutex
	store   storage
	admin   [20]byte
	cfg     Config
	checker EscrowChecker
	alerter Alerter
	emitter events.Emitter
	log     *slog.Logger
	nowFn   func() int64
}

// NewEngine constructs an emergency engine. An all-zero config selects the
// defaults.
func NewEngine(store storage, admin [20]byte, cfg Config) (*Engine, error) {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		store:   store,
		admin:   admin,
		cfg:     cfg,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}, nil
}

// SetEscrowChecker wires the registry-backed escrow existence check.
func (e *Engine) SetEscrowChecker(c EscrowChecker) {
	if e == nil {
		return
	}
	e.checker = c
}

// SetAlerter wires the out-of-band contact notifier.
func (e *Engine) SetAlerter(a Alerter) {
	if e == nil {
		return
	}
	e.alerter = a
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

// SetLogger configures structured logging for alert failures.
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
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(emergencyEvent{evt: evt})
}

// UpdateConfig replaces the engine parameters after validation. Administrator
// only.
func (e *Engine) UpdateConfig(caller [20]byte, cfg Config) error {
	if e == nil {
		return ErrNilState
	}
	if caller != e.admin {
		return ErrUnauthorized
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	return nil
}

// Activate creates the active record for the escrow after enforcing the
// per-activator cooldown and rolling daily cap, then alerts every active
// security contact. Alert failures are logged and never undo the activation.
func (e *Engine) Activate(escrow [32]byte, activator [20]byte, codeHash [32]byte, reason string) error {
	if e == nil || e.store == nil {
		return ErrNilState
	}
	if activator == ([20]byte{}) {
		return ErrInvalidActivator
	}
	if e.checker != nil && !e.checker.EscrowExists(escrow) {
		return ErrUnknownEscrow
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	existing := &Activation{}
	ok, err := e.store.KVGet(activeKey(escrow), existing)
	if err != nil {
		return err
	}
	if ok && existing.Active {
		return ErrAlreadyActive
	}

	now := e.nowFn()
	history := &activatorHistory{}
	if _, err := e.store.KVGet(activatorKey(activator), history); err != nil {
		return err
	}
	if history.LastActivation > 0 && now-history.LastActivation < e.cfg.Cooldown {
		return ErrCooldownActive
	}
	history.prune(now)
	if uint32(len(history.Recent)) >= e.cfg.MaxActivationsPerDay {
		return ErrMaxActivationsReached
	}

	record := &Activation{
		Escrow:      escrow,
		Activator:   activator,
		CodeHash:    codeHash,
		Reason:      strings.TrimSpace(reason),
		ActivatedAt: now,
		Active:      true,
	}
	if err := e.store.KVPut(activeKey(escrow), record); err != nil {
		return err
	}
	history.Total++
	history.Recent = append(history.Recent, now)
	history.LastActivation = now
	if err := e.store.KVPut(activatorKey(activator), history); err != nil {
		return err
	}

	e.emit(NewActivatedEvent(record, e.extensionFor(history.Total)))
	e.alertContacts(record)
	return nil
}

func (e *Engine) alertContacts(record *Activation) {
	contacts, err := e.loadContacts()
	if err != nil {
		if e.log != nil {
			e.log.Warn("emergency contact roster unavailable", "err", err)
		}
		return
	}
	for _, contact := range contacts {
		if !contact.Active {
			continue
		}
		e.emit(NewContactAlertedEvent(contact, record.Escrow))
		if e.alerter == nil {
			continue
		}
		if err := e.alerter.Alert(contact.Clone(), record.Escrow); err != nil && e.log != nil {
			e.log.Warn("emergency contact alert failed", "contact", contact.ID, "err", err)
		}
	}
}

// Extension returns the lock extension the activator's next activation will
// carry: the base extension plus one escalation step per prior activation,
// capped at the configured maximum. The escrow engine queries this before it
// records a stop, so the escalated value is the one that lands on the lock.
func (e *Engine) Extension(escrow [32]byte, activator [20]byte) (int64, error) {
	if e == nil || e.store == nil {
		return 0, ErrNilState
	}
	if activator == ([20]byte{}) {
		return 0, ErrInvalidActivator
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	history := &activatorHistory{}
	if _, err := e.store.KVGet(activatorKey(activator), history); err != nil {
		return 0, err
	}
	return e.extensionFor(history.Total + 1), nil
}

func (e *Engine) extensionFor(totalActivations uint64) int64 {
	ext := e.cfg.BaseExtension
	if totalActivations > 1 {
		ext += int64(totalActivations-1) * escalationStep
	}
	if ext > e.cfg.MaxExtension {
		ext = e.cfg.MaxExtension
	}
	return ext
}

// Resolve closes the active record. Restricted to registered security
// contacts and the administrator; the resolving contact's response counter is
// incremented.
func (e *Engine) Resolve(escrow [32]byte, resolver [20]byte, resolution string) error {
	if e == nil || e.store == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	contact, isContact, err := e.loadContact(resolver)
	if err != nil {
		return err
	}
	if resolver != e.admin && (!isContact || !contact.Active) {
		return ErrUnauthorized
	}

	record := &Activation{}
	ok, err := e.store.KVGet(activeKey(escrow), record)
	if err != nil {
		return err
	}
	if !ok || !record.Active {
		return ErrNotActive
	}

	record.Active = false
	record.Resolver = resolver
	record.ResolvedAt = e.nowFn()
	record.Resolution = strings.TrimSpace(resolution)
	if err := e.store.KVPut(activeKey(escrow), record); err != nil {
		return err
	}
	if isContact {
		contact.Responses++
		if err := e.store.KVPut(contactKey(resolver), contact); err != nil {
			return err
		}
	}
	e.emit(NewResolvedEvent(record))
	return nil
}

// Activation returns a copy of the record for the escrow, if any.
func (e *Engine) Activation(escrow [32]byte) (*Activation, bool, error) {
	if e == nil || e.store == nil {
		return nil, false, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	record := &Activation{}
	ok, err := e.store.KVGet(activeKey(escrow), record)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return record.Clone(), true, nil
}

// AddContact registers a security contact. Administrator only.
func (e *Engine) AddContact(caller, addr [20]byte, name string) (*Contact, error) {
	if e == nil || e.store == nil {
		return nil, ErrNilState
	}
	if caller != e.admin {
		return nil, ErrUnauthorized
	}
	if addr == ([20]byte{}) || strings.TrimSpace(name) == "" {
		return nil, ErrInvalidContact
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok, err := e.loadContact(addr)
	if err != nil {
		return nil, err
	}
	if ok && existing.Active {
		return nil, ErrContactExists
	}
	contact := &Contact{
		ID:      uuid.NewString(),
		Addr:    addr,
		Name:    strings.TrimSpace(name),
		AddedAt: e.nowFn(),
		Active:  true,
	}
	if ok {
		// Reactivating keeps the historical response counter.
		contact.ID = existing.ID
		contact.Responses = existing.Responses
	}
	if err := e.store.KVPut(contactKey(addr), contact); err != nil {
		return nil, err
	}
	if !ok {
		if err := e.appendContactAddr(addr); err != nil {
			return nil, err
		}
	}
	return contact.Clone(), nil
}

// RemoveContact deactivates a security contact. Administrator only.
func (e *Engine) RemoveContact(caller, addr [20]byte) error {
	if e == nil || e.store == nil {
		return ErrNilState
	}
	if caller != e.admin {
		return ErrUnauthorized
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	contact, ok, err := e.loadContact(addr)
	if err != nil {
		return err
	}
	if !ok || !contact.Active {
		return ErrContactNotFound
	}
	contact.Active = false
	return e.store.KVPut(contactKey(addr), contact)
}

// Contacts returns the full roster, inactive entries included.
func (e *Engine) Contacts() ([]*Contact, error) {
	if e == nil || e.store == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadContacts()
}

func (e *Engine) loadContact(addr [20]byte) (*Contact, bool, error) {
	contact := &Contact{}
	ok, err := e.store.KVGet(contactKey(addr), contact)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return contact, true, nil
}

func (e *Engine) loadContacts() ([]*Contact, error) {
	var addrs [][20]byte
	if _, err := e.store.KVGet(contactListKey, &addrs); err != nil {
		return nil, err
	}
	contacts := make([]*Contact, 0, len(addrs))
	for _, addr := range addrs {
		contact, ok, err := e.loadContact(addr)
		if err != nil {
			return nil, err
		}
		if ok {
			contacts = append(contacts, contact)
		}
	}
	return contacts, nil
}

func (e *Engine) appendContactAddr(addr [20]byte) error {
	var addrs [][20]byte
	if _, err := e.store.KVGet(contactListKey, &addrs); err != nil {
		return err
	}
	addrs = append(addrs, addr)
	return e.store.KVPut(contactListKey, addrs)
}
