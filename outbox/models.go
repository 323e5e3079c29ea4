package outbox

import "time"

// Message represents one transactional outbox entry. Rows are written in the
// same transaction as the state change they announce, so a consumer that sees
// the message can rely on the change having committed.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

const (
	// StatusPending marks messages not yet acknowledged by a consumer.
	StatusPending = "pending"
	// StatusDone marks messages a consumer has fully processed.
	StatusDone = "done"
)
