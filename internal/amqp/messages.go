package amqp

import (
	"encoding/json"
	"time"
)

// TicketIngestedMessage announces a freshly persisted ticket awaiting
// product classification. It carries only identifiers; the worker
// fetches the full ticket from the store.
type TicketIngestedMessage struct {
	TicketID  int64     `json:"ticket_id"`
	Number    string    `json:"number"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTicketIngestedMessage creates an announcement for a ticket.
func NewTicketIngestedMessage(ticketID int64, number string) *TicketIngestedMessage {
	return &TicketIngestedMessage{
		TicketID:  ticketID,
		Number:    number,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes.
func (m *TicketIngestedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// TicketIngestedMessageFromJSON creates a message from JSON bytes.
func TicketIngestedMessageFromJSON(data []byte) (*TicketIngestedMessage, error) {
	var msg TicketIngestedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
