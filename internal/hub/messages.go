// ABOUTME: Typed realtime messages pushed to connected clients
// ABOUTME: Closed union of four kinds; all text fields are bounded summaries

package hub

import (
	"time"

	"github.com/tasklink/tasklink/internal/queue"
)

// MessageType tags a realtime message.
type MessageType string

const (
	MessageInitialState MessageType = "initial_state"
	MessageQueueUpdate  MessageType = "queue_update"
	MessageStatusUpdate MessageType = "status_update"
	MessageOutputUpdate MessageType = "output_update"
)

// TextLimit bounds every text field in broadcast payloads. Summaries only;
// clients fetch full content over the HTTP API.
const TextLimit = 200

// ItemSummary is the truncated view of a queue item sent to clients.
type ItemSummary struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	WaitSeconds int       `json:"waitSeconds,omitempty"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// StatusSummary reports gateway and executor state.
type StatusSummary struct {
	Ready      bool `json:"ready"`
	Processing bool `json:"processing"`
	QueueSize  int  `json:"queueSize"`
}

// Message is the envelope written to every realtime connection. Exactly the
// fields for its Type are populated:
//
//	initial_state: Queue, Status, Output
//	queue_update:  Queue
//	status_update: Status
//	output_update: Output
type Message struct {
	Type   MessageType    `json:"type"`
	Queue  []ItemSummary  `json:"queue,omitempty"`
	Status *StatusSummary `json:"status,omitempty"`
	Output string         `json:"output,omitempty"`
}

// Truncate bounds s to TextLimit runes.
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= TextLimit {
		return s
	}
	return string(runes[:TextLimit])
}

// Summarize converts store items to their bounded broadcast form.
func Summarize(items []queue.Item, now time.Time) []ItemSummary {
	out := make([]ItemSummary, len(items))
	for i, item := range items {
		out[i] = ItemSummary{
			ID:          item.ID,
			Text:        Truncate(item.Text),
			Status:      string(item.Status),
			CreatedAt:   item.CreatedAt,
			WaitSeconds: item.WaitSeconds(now),
			Output:      Truncate(item.Output),
			Error:       Truncate(item.Error),
		}
	}
	return out
}

// QueueUpdate builds a queue_update message.
func QueueUpdate(items []queue.Item) Message {
	return Message{Type: MessageQueueUpdate, Queue: Summarize(items, time.Now())}
}

// StatusUpdate builds a status_update message.
func StatusUpdate(status StatusSummary) Message {
	return Message{Type: MessageStatusUpdate, Status: &status}
}

// OutputUpdate builds an output_update message with bounded output.
func OutputUpdate(output string) Message {
	return Message{Type: MessageOutputUpdate, Output: Truncate(output)}
}
