package trace

import "time"

// Hop is one recorded step in a correlation token's history: which engine
// instance recorded it, which identity it is attributable to (0 when none,
// e.g. at request time), and a free-form action label.
type Hop struct {
	ID               int64
	CorrelationToken string
	Authority        string
	IdentityID       int64
	Action           string
	RecordedAt       time.Time
}

// TopicHopRecorded is published whenever a hop is appended to the ledger.
const TopicHopRecorded = "trace.hop_recorded"
