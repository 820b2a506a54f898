package queue

import "encoding/json"

// Event names carried in Message.Event.
const (
	EventRunFailed    = "run.failed"
	EventRunSucceeded = "run.succeeded"
)

// MessageVersion is the current payload version.
const MessageVersion = 1

// Message is the run event sent to downstream consumers.
type Message struct {
	NotificationID string `json:"notificationId,omitempty"`
	RunID          string `json:"runId"`
	Event          string `json:"event"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
	OccurredAt     string `json:"occurredAt"`
	Version        int    `json:"version"`
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
