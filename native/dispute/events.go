package dispute

import (
	"encoding/hex"
	"strconv"

	"safehold/core/types"
)

const (
	EventTypeFiled    = "dispute.filed"
	EventTypeResolved = "dispute.resolved"
)

type disputeEvent struct {
	evt *types.Event
}

func (e disputeEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e disputeEvent) Event() *types.Event { return e.evt }

// NewFiledEvent returns the canonical payload for a new case.
func NewFiledEvent(c *Case) *types.Event {
	attrs := make(map[string]string)
	if c != nil {
		attrs["id"] = hex.EncodeToString(c.ID[:])
		attrs["escrow"] = hex.EncodeToString(c.Escrow[:])
		attrs["filer"] = hex.EncodeToString(c.Filer[:])
		attrs["stake"] = c.Stake.String()
		attrs["filedAt"] = strconv.FormatInt(c.FiledAt, 10)
		attrs["status"] = c.Status.String()
	}
	return &types.Event{Type: EventTypeFiled, Attributes: attrs}
}

// NewResolvedEvent returns the canonical payload for a resolved case.
func NewResolvedEvent(c *Case) *types.Event {
	attrs := make(map[string]string)
	if c != nil {
		attrs["id"] = hex.EncodeToString(c.ID[:])
		attrs["escrow"] = hex.EncodeToString(c.Escrow[:])
		attrs["arbitrator"] = hex.EncodeToString(c.Arbitrator[:])
		attrs["outcome"] = c.Outcome.String()
		attrs["resolvedAt"] = strconv.FormatInt(c.ResolvedAt, 10)
	}
	return &types.Event{Type: EventTypeResolved, Attributes: attrs}
}
