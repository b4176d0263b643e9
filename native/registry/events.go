package registry

import (
	"encoding/hex"
	"strconv"

	"safehold/core/types"
)

const (
	EventTypeEscrowCreated   = "registry.escrow_created"
	EventTypePaused          = "registry.paused"
	EventTypeUnpaused        = "registry.unpaused"
	EventTypeFeeUpdated      = "registry.fee_updated"
	EventTypeFeesWithdrawn   = "registry.fees_withdrawn"
	EventTypeTemplateRotated = "registry.template_rotated"
	EventTypeModuleUpdated   = "registry.module_updated"
)

type registryEvent struct {
	evt *types.Event
}

func (e registryEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e registryEvent) Event() *types.Event { return e.evt }

// NewEscrowCreatedEvent returns the creation record emitted for observability
// after a successful CreateEscrow.
func NewEscrowCreatedEvent(id, tradeID [32]byte, seller, buyer [20]byte, template uint64) *types.Event {
	return &types.Event{Type: EventTypeEscrowCreated, Attributes: map[string]string{
		"id":       hex.EncodeToString(id[:]),
		"tradeId":  hex.EncodeToString(tradeID[:]),
		"seller":   hex.EncodeToString(seller[:]),
		"buyer":    hex.EncodeToString(buyer[:]),
		"template": strconv.FormatUint(template, 10),
	}}
}

// NewPauseEvent returns the payload for a pause flag flip.
func NewPauseEvent(paused bool) *types.Event {
	evtType := EventTypeUnpaused
	if paused {
		evtType = EventTypePaused
	}
	return &types.Event{Type: evtType, Attributes: map[string]string{}}
}

// NewFeeUpdatedEvent returns the payload for a creation fee change.
func NewFeeUpdatedEvent(fee string) *types.Event {
	return &types.Event{Type: EventTypeFeeUpdated, Attributes: map[string]string{"fee": fee}}
}

// NewFeesWithdrawnEvent returns the payload for a fee withdrawal.
func NewFeesWithdrawnEvent(to [20]byte, amount string) *types.Event {
	return &types.Event{Type: EventTypeFeesWithdrawn, Attributes: map[string]string{
		"to":     hex.EncodeToString(to[:]),
		"amount": amount,
	}}
}

// NewTemplateRotatedEvent returns the payload for an implementation rotation.
func NewTemplateRotatedEvent(version uint64) *types.Event {
	return &types.Event{Type: EventTypeTemplateRotated, Attributes: map[string]string{
		"version": strconv.FormatUint(version, 10),
	}}
}

// NewModuleUpdatedEvent returns the payload for an address-book update.
func NewModuleUpdatedEvent(name string, wired bool) *types.Event {
	return &types.Event{Type: EventTypeModuleUpdated, Attributes: map[string]string{
		"name":  name,
		"wired": strconv.FormatBool(wired),
	}}
}
