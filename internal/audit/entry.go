package audit

import (
	"context"
	"time"
)

// SystemActor labels entries produced outside any request.
const SystemActor = "system"

// Actions recorded by the authorization core.
const (
	ActionDenied        = "DENIED"
	ActionElevatedWrite = "ELEVATED_WRITE"
	ActionLogin         = "LOGIN"
	ActionLogout        = "LOGOUT"
	ActionDeactivate    = "DEACTIVATE"
	ActionDuplicate     = "DUPLICATE"
)

// Entry is a single record destined for audit_logs.
type Entry struct {
	ActorID    int64          `json:"actor_id"`
	ActorEmail string         `json:"actor_email"`
	Action     string         `json:"action"`
	Entity     string         `json:"entity"`
	EntityID   string         `json:"entity_id"`
	IP         string         `json:"ip,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	At         time.Time      `json:"at"`
}

// Attributed reports whether the entry names a human actor.
func (e Entry) Attributed() bool {
	return e.ActorID > 0
}

// NewEntry builds an entry attributed to the actor found in ctx, or to the
// system when ctx carries no audit context.
func NewEntry(ctx context.Context, action, entity, entityID string) Entry {
	entry := Entry{
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     map[string]any{},
		At:       time.Now().UTC(),
	}
	c, ok := FromContext(ctx)
	if !ok {
		entry.ActorEmail = SystemActor
		return entry
	}
	entry.ActorID = c.ActingUserID
	entry.ActorEmail = c.ActingEmail
	entry.IP = c.IP
	entry.RequestID = c.RequestID
	entry.Meta["method"] = c.Method
	entry.Meta["path"] = c.Path
	return entry
}

// Sink accepts audit entries for persistence.
type Sink interface {
	Submit(ctx context.Context, entry Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, entry Entry) error

// Submit calls f.
func (f SinkFunc) Submit(ctx context.Context, entry Entry) error {
	return f(ctx, entry)
}
