package outbox

import (
	"encoding/json"
	"time"
)

// Record is one row of the transactional outbox. Rows are written in the
// same transaction as the envelope mutation that caused them and published
// to Kafka by the relay.
type Record struct {
	ID                  int64
	EventID             string
	Aggregate           string
	AggregateID         string
	EventType           string
	Payload             json.RawMessage
	CreatedAt           time.Time
	Attempts            int
	ProcessingStartedAt time.Time
}
