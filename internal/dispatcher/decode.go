package dispatcher

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/sessionblob/ingest/internal/message"
)

// wireEvent and wireMessage describe the JSON envelope produced by the
// recording SDK: a routing key identifying the session, and an ordered
// event array whose timestamps drive eventsRange without being persisted
// themselves.
type wireEvent struct {
	Timestamp int64           `json:"timestamp"` // unix millis
	Data      json.RawMessage `json:"data"`
}

type wireMessage struct {
	Team      string      `json:"team_id"`
	SessionID string      `json:"session_id"`
	Events    []wireEvent `json:"events"`
}

// decodeMessage parses a raw Kafka record into the engine's Message shape.
// The source timestamp comes from the Kafka record itself, not the payload.
func decodeMessage(raw *sarama.ConsumerMessage) (message.Message, error) {
	var wm wireMessage
	if err := json.Unmarshal(raw.Value, &wm); err != nil {
		return message.Message{}, fmt.Errorf("dispatcher: decode payload: %w", err)
	}
	if wm.Team == "" || wm.SessionID == "" {
		return message.Message{}, fmt.Errorf("dispatcher: message missing team_id/session_id")
	}

	events := make([]message.Event, len(wm.Events))
	for i, e := range wm.Events {
		// A missing/omitted timestamp decodes to the Go zero int64, 0. Only
		// convert when it's actually present — time.UnixMilli(0) is a valid,
		// non-zero time.Time (1970-01-01), which would otherwise defeat the
		// IsZero() checks eventsRange relies on to detect a missing value.
		var ts time.Time
		if e.Timestamp != 0 {
			ts = time.UnixMilli(e.Timestamp)
		}
		events[i] = message.Event{
			Timestamp: ts,
			Data:      e.Data,
		}
	}

	payload, err := stripEnvelope(raw.Value)
	if err != nil {
		return message.Message{}, fmt.Errorf("dispatcher: strip envelope from payload: %w", err)
	}

	return message.Message{
		Team:      wm.Team,
		SessionID: wm.SessionID,
		Metadata: message.Metadata{
			Timestamp: raw.Timestamp,
			Offset:    raw.Offset,
			Partition: raw.Partition,
			Topic:     raw.Topic,
		},
		Events:  events,
		Payload: payload,
	}, nil
}

// stripEnvelope drops the routing key and event-timestamp index from a raw
// wire message, leaving only the fields a persisted record should carry —
// events exist to drive eventsRange, not to be duplicated into the buffer
// file.
func stripEnvelope(raw json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "events")
	delete(fields, "team_id")
	delete(fields, "session_id")
	return json.Marshal(fields)
}
