package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"ledgersync/internal/core"
	"ledgersync/internal/events"
)

// ChangeMessage announces a write committed to the ledger. Record carries
// the committed copy so receivers rarely need to fetch it.
type ChangeMessage struct {
	Kind      core.Kind       `json:"kind"`
	ID        string          `json:"id"`
	Op        core.Op         `json:"op"`
	Version   int64           `json:"version"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	BudgetIDs []string        `json:"budget_ids,omitempty"`
	Record    json.RawMessage `json:"record,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewChangeMessage builds the message for a committed entity.
func NewChangeMessage(op core.Op, e core.Entity, userID, sessionID string) (*ChangeMessage, error) {
	record, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s %s: %w", e.EntityKind(), e.EntityID(), err)
	}
	return &ChangeMessage{
		Kind:      e.EntityKind(),
		ID:        e.EntityID(),
		Op:        op,
		Version:   e.Metadata().Version,
		UserID:    userID,
		SessionID: sessionID,
		BudgetIDs: core.AffectedBudgets(e),
		Record:    record,
		Timestamp: time.Now().UTC(),
	}, nil
}

// FromChange builds the message for a committed change seen on the bus.
func FromChange(c events.Change, userID, sessionID string) (*ChangeMessage, error) {
	if c.Entity == nil {
		return nil, fmt.Errorf("change on %s carries no entity", c.Key)
	}
	msg, err := NewChangeMessage(c.Op, c.Entity, userID, sessionID)
	if err != nil {
		return nil, err
	}
	msg.BudgetIDs = c.BudgetIDs
	return msg, nil
}

// Key identifies the changed record.
func (m *ChangeMessage) Key() core.Key {
	return core.Key{Kind: m.Kind, ID: m.ID}
}

// Entity decodes Record into its concrete type.
func (m *ChangeMessage) Entity() (core.Entity, error) {
	if len(m.Record) == 0 {
		return nil, fmt.Errorf("message for %s has no record", m.Key())
	}
	switch m.Kind {
	case core.KindCategory:
		return decode[core.Category](m.Record)
	case core.KindBudget:
		return decode[core.Budget](m.Record)
	case core.KindAllocation:
		return decode[core.Allocation](m.Record)
	case core.KindTransaction:
		return decode[core.Transaction](m.Record)
	}
	return nil, fmt.Errorf("unknown entity kind %q", m.Kind)
}

func decode[T core.Entity](data []byte) (core.Entity, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ToJSON converts the message to JSON bytes
func (m *ChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ChangeMessageFromJSON parses a message and checks its addressing fields.
func ChangeMessageFromJSON(data []byte) (*ChangeMessage, error) {
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Kind == "" || msg.ID == "" || msg.UserID == "" {
		return nil, fmt.Errorf("change message is missing kind, id or user")
	}
	return &msg, nil
}
