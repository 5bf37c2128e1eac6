// Package events publishes ledger events to downstream consumers.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"credit_ledger/internal/models"
)

// Type identifies the kind of event
type Type string

const (
	// TypeTransactionRecorded is emitted after a transaction commits
	TypeTransactionRecorded Type = "transaction.recorded"

	// TypeConsistencyViolation is emitted when the reconciler finds broken ledger invariants
	TypeConsistencyViolation Type = "ledger.consistency_violation"
)

// Event is the envelope written to every sink.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       Type            `json:"type"`
	AccountID  string          `json:"account_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// New builds an event with a JSON-encoded payload.
func New(typ Type, accountID string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	return Event{
		ID:         uuid.New(),
		Type:       typ,
		AccountID:  accountID,
		OccurredAt: time.Now().UTC(),
		Payload:    data,
	}, nil
}

// TransactionRecorded wraps a committed transaction.
func TransactionRecorded(tx *models.Transaction) (Event, error) {
	ev, err := New(TypeTransactionRecorded, tx.AccountID, tx)
	if err != nil {
		return Event{}, err
	}
	ev.OccurredAt = tx.CreatedAt
	return ev, nil
}

// Transaction decodes the payload of a transaction.recorded event.
func (e Event) Transaction() (*models.Transaction, error) {
	if e.Type != TypeTransactionRecorded {
		return nil, fmt.Errorf("event %s is %s, not %s", e.ID, e.Type, TypeTransactionRecorded)
	}
	var tx models.Transaction
	if err := json.Unmarshal(e.Payload, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return &tx, nil
}
