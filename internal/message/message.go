// Package message defines the opaque recording event shape the buffering
// engine accepts. The schema itself is treated as a black box upstream;
// only the fields the flush pipeline needs to reason about are typed.
package message

import (
	"encoding/json"
	"time"
)

// Metadata is the durable-log envelope around a recording payload.
type Metadata struct {
	Timestamp time.Time
	Offset    int64
	Partition int32
	Topic     string
}

// Event is one entry of a message's event-payload timestamp index. Data is
// carried through unparsed; only Timestamp drives eventsRange.
type Event struct {
	Timestamp time.Time
	Data      json.RawMessage
}

// Message is one unit of work handed to a SessionManager by the dispatcher.
type Message struct {
	Team      string
	SessionID string
	Metadata  Metadata
	Events    []Event
	Payload   json.RawMessage
}

// PersistedRecord is the on-wire form written to the buffer file, one per
// line. Events are not persisted — they exist only to drive eventsRange.
type PersistedRecord struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// ToPersisted converts a Message to its on-disk representation.
func (m Message) ToPersisted() PersistedRecord {
	return PersistedRecord{Metadata: m.Metadata, Payload: m.Payload}
}
