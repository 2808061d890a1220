package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TopicNumbersReserved = "lottery_numbers_reserved"
	TopicOrderCompleted  = "order_completed"
	TopicOrderCancelled  = "order_cancelled"
	TopicOrderExpired    = "order_expired"
	TopicOrderTimeout    = "order_timeout"
)

const (
	ReasonOrderNotPending = "order_not_pending"
	ReasonOrderNotOwned   = "order_not_owned"
	ReasonUserCancelled   = "user_cancelled"
)

// Message is the envelope carried by the event bus and the outbox tables.
type Message struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func NewMessage(topic, key string, payload any) (Message, error) {
	return NewMessageWithID(uuid.NewString(), topic, key, payload)
}

func NewMessageWithID(id, topic, key string, payload any) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return Message{ID: id, Topic: topic, Key: key, Payload: b, OccurredAt: time.Now().UTC()}, nil
}

func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s message %s: %w", m.Topic, m.ID, err)
	}
	return nil
}

type NumbersReserved struct {
	OrderCorrelationID string          `json:"order_correlation_id"`
	DrawID             string          `json:"draw_id"`
	UserID             string          `json:"user_id"`
	NumberIDs          []string        `json:"number_ids"`
	Numbers            []int           `json:"numbers"`
	Series             int             `json:"series"`
	TicketPrice        decimal.Decimal `json:"ticket_price"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	ExpiresAt          time.Time       `json:"expires_at"`
	AddToExisting      bool            `json:"add_to_existing,omitempty"`
	GiftRecipientID    string          `json:"gift_recipient_id,omitempty"`
}

// Lines expands the reservation into order lines priced at the ticket price.
func (e NumbersReserved) Lines() []OrderLine {
	lines := make([]OrderLine, 0, len(e.NumberIDs))
	for i, id := range e.NumberIDs {
		l := OrderLine{NumberID: id, Series: e.Series, UnitPrice: e.TicketPrice}
		if i < len(e.Numbers) {
			l.Number = e.Numbers[i]
		}
		lines = append(lines, l)
	}
	return lines
}

type OrderCompleted struct {
	OrderID       string   `json:"order_id"`
	DrawID        string   `json:"draw_id"`
	UserID        string   `json:"user_id"`
	NumberIDs     []string `json:"number_ids"`
	TicketID      string   `json:"ticket_id"`
	TransactionID string   `json:"transaction_id,omitempty"`
}

type OrderCancelled struct {
	OrderID   string   `json:"order_id"`
	DrawID    string   `json:"draw_id"`
	UserID    string   `json:"user_id"`
	NumberIDs []string `json:"number_ids"`
	Reason    string   `json:"reason"`
	// OnlyListed limits the release to NumberIDs instead of everything the order holds.
	OnlyListed bool `json:"only_listed,omitempty"`
}

type OrderExpired struct {
	OrderID   string   `json:"order_id"`
	DrawID    string   `json:"draw_id"`
	UserID    string   `json:"user_id"`
	NumberIDs []string `json:"number_ids"`
}

type OrderTimeout struct {
	OrderID string `json:"order_id"`
}

// OutboxEntry is a message waiting in a service's outbox table.
type OutboxEntry struct {
	ID         int64
	Message    Message
	RetryCount int
}
