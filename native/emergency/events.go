package emergency

import (
	"encoding/hex"
	"strconv"

	"safehold/core/types"
)

const (
	EventTypeActivated      = "emergency.activated"
	EventTypeResolved       = "emergency.resolved"
	EventTypeContactAlerted = "emergency.contact_alerted"
)

type emergencyEvent struct {
	evt *types.Event
}

func (e emergencyEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e emergencyEvent) Event() *types.Event { return e.evt }

// NewActivatedEvent returns the canonical payload for a panic activation.
func NewActivatedEvent(a *Activation, extension int64) *types.Event {
	attrs := make(map[string]string)
	if a != nil {
		attrs["escrow"] = hex.EncodeToString(a.Escrow[:])
		attrs["activator"] = hex.EncodeToString(a.Activator[:])
		attrs["activatedAt"] = strconv.FormatInt(a.ActivatedAt, 10)
		attrs["extension"] = strconv.FormatInt(extension, 10)
	}
	return &types.Event{Type: EventTypeActivated, Attributes: attrs}
}

// NewResolvedEvent returns the canonical payload for a resolved activation.
func NewResolvedEvent(a *Activation) *types.Event {
	attrs := make(map[string]string)
	if a != nil {
		attrs["escrow"] = hex.EncodeToString(a.Escrow[:])
		attrs["resolver"] = hex.EncodeToString(a.Resolver[:])
		attrs["resolvedAt"] = strconv.FormatInt(a.ResolvedAt, 10)
		attrs["resolution"] = a.Resolution
	}
	return &types.Event{Type: EventTypeResolved, Attributes: attrs}
}

// NewContactAlertedEvent returns the payload emitted per alerted contact. The
// panic reason is intentionally omitted so alert streams never leak it.
func NewContactAlertedEvent(contact *Contact, escrow [32]byte) *types.Event {
	attrs := map[string]string{
		"escrow": hex.EncodeToString(escrow[:]),
	}
	if contact != nil {
		attrs["contact"] = contact.ID
	}
	return &types.Event{Type: EventTypeContactAlerted, Attributes: attrs}
}
