package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
)

const DefaultCheckoutWindow = 5 * time.Minute

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// NextStatus guards the order state machine: only Pending may move, and only to a terminal status.
func NextStatus(cur, to OrderStatus) (OrderStatus, error) {
	if cur != OrderStatusPending || !to.Terminal() {
		return cur, fmt.Errorf("%w: %s --> %s", ErrInvalidTransition, cur, to)
	}
	return to, nil
}

type OrderLine struct {
	NumberID  string
	Number    int
	Series    int
	UnitPrice decimal.Decimal
}

type Order struct {
	ID              int64
	OrderID         string
	UserID          string
	DrawID          string
	Status          OrderStatus
	ExpiresAt       time.Time
	TotalAmount     decimal.Decimal
	Lines           []OrderLine
	GiftRecipientID string
	TicketID        string
	TransactionID   string
	CancelReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// Expired reports whether the checkout window has closed at now.
func (o Order) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

func (o Order) NumberIDs() []string {
	ids := make([]string, 0, len(o.Lines))
	for _, l := range o.Lines {
		ids = append(ids, l.NumberID)
	}
	return ids
}

func (o Order) HasNumber(id string) bool {
	for _, l := range o.Lines {
		if l.NumberID == id {
			return true
		}
	}
	return false
}

// Owner is the ticket holder: the gift recipient when set, otherwise the buyer.
func (o Order) Owner() string {
	if o.GiftRecipientID != "" {
		return o.GiftRecipientID
	}
	return o.UserID
}

// Transition is a guarded move out of From, applied by the store as a compare-and-set.
type Transition struct {
	OrderID       string
	From          OrderStatus
	To            OrderStatus
	TicketID      string
	TransactionID string
	Reason        string
	At            time.Time
}

func SumLines(lines []OrderLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.UnitPrice)
	}
	return total
}
