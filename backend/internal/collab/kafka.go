package collab

import (
	"encoding/json"
	"time"
)

// CollabEventMessage：协作事件的 Kafka 信封。
// Payload 是事件结构体本身的 JSON，按 Kind 还原成具体类型。
type CollabEventMessage struct {
	Kind      string          `json:"kind"`
	EntityID  string          `json:"entityId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emittedAt"`
}

func encodeEventMessage(e Event) (CollabEventMessage, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return CollabEventMessage{}, err
	}
	return CollabEventMessage{
		Kind:      e.EventKind(),
		EntityID:  e.EventEntity(),
		Payload:   payload,
		EmittedAt: time.Now(),
	}, nil
}
