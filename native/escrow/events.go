package escrow

import (
	"encoding/hex"
	"strconv"

	"safehold/core/types"
)

const (
	EventTypeCreated        = "escrow.created"
	EventTypeFunded         = "escrow.funded"
	EventTypeLocked         = "escrow.locked"
	EventTypeReleased       = "escrow.released"
	EventTypeEmergency      = "escrow.emergency_stopped"
	EventTypeDisputeRaised  = "escrow.dispute_raised"
	EventTypeCancelled      = "escrow.cancelled"
	EventTypePolicyFallback = "escrow.policy_fallback"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

func baseAttributes(rec *Escrow) map[string]string {
	attrs := make(map[string]string)
	if rec == nil {
		return attrs
	}
	attrs["id"] = hex.EncodeToString(rec.ID[:])
	attrs["seller"] = hex.EncodeToString(rec.Seller[:])
	attrs["buyer"] = hex.EncodeToString(rec.Buyer[:])
	attrs["status"] = rec.Status.String()
	if rec.Amount != nil {
		attrs["amount"] = rec.Amount.String()
	}
	return attrs
}

// NewCreatedEvent returns the canonical payload for a freshly created escrow.
func NewCreatedEvent(rec *Escrow) *types.Event {
	attrs := baseAttributes(rec)
	if rec != nil {
		attrs["tradeId"] = hex.EncodeToString(rec.TradeID[:])
		attrs["template"] = strconv.FormatUint(rec.Template, 10)
	}
	return &types.Event{Type: EventTypeCreated, Attributes: attrs}
}

// NewFundedEvent returns the canonical payload for a funded escrow.
func NewFundedEvent(rec *Escrow) *types.Event {
	return &types.Event{Type: EventTypeFunded, Attributes: baseAttributes(rec)}
}

// NewLockedEvent returns the canonical payload for a lock start.
func NewLockedEvent(rec *Escrow, duration int64) *types.Event {
	attrs := baseAttributes(rec)
	attrs["duration"] = strconv.FormatInt(duration, 10)
	if rec != nil {
		attrs["timeLockEnd"] = strconv.FormatInt(rec.TimeLockEnd, 10)
	}
	return &types.Event{Type: EventTypeLocked, Attributes: attrs}
}

// NewReleasedEvent returns the canonical payload for a released escrow.
func NewReleasedEvent(rec *Escrow, amount string) *types.Event {
	attrs := baseAttributes(rec)
	attrs["paid"] = amount
	return &types.Event{Type: EventTypeReleased, Attributes: attrs}
}

// NewEmergencyEvent returns the canonical payload for an emergency stop. The
// panic code and its hash are deliberately absent from the attributes.
func NewEmergencyEvent(rec *Escrow, extension int64) *types.Event {
	attrs := baseAttributes(rec)
	attrs["extension"] = strconv.FormatInt(extension, 10)
	if rec != nil {
		attrs["timeLockEnd"] = strconv.FormatInt(rec.TimeLockEnd, 10)
	}
	return &types.Event{Type: EventTypeEmergency, Attributes: attrs}
}

// NewDisputeRaisedEvent returns the canonical payload for a raised dispute.
func NewDisputeRaisedEvent(rec *Escrow, extension int64) *types.Event {
	attrs := baseAttributes(rec)
	attrs["extension"] = strconv.FormatInt(extension, 10)
	if rec != nil && rec.Dispute != nil {
		attrs["disputant"] = hex.EncodeToString(rec.Dispute.Disputant[:])
	}
	return &types.Event{Type: EventTypeDisputeRaised, Attributes: attrs}
}

// NewCancelledEvent returns the canonical payload for a cancelled escrow.
func NewCancelledEvent(rec *Escrow) *types.Event {
	return &types.Event{Type: EventTypeCancelled, Attributes: baseAttributes(rec)}
}
