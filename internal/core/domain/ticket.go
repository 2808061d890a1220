package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TicketStatus string

const TicketStatusActive TicketStatus = "active"

var ticketNamespace = uuid.MustParse("0b3f7e2c-8d41-4c6a-b5e9-71a2d4c8f903")

// Ticket is one sold number. OwnerID holds it; PurchaserID paid for it.
type Ticket struct {
	TicketID      string
	OrderID       string
	DrawID        string
	NumberID      string
	Number        int
	Series        int
	OwnerID       string
	PurchaserID   string
	Gift          bool
	Amount        decimal.Decimal
	TransactionID string
	Status        TicketStatus
	PurchasedAt   time.Time
}

// IssueTickets creates one active ticket per line of a completed order.
// Ids derive from the order's ticket id and the number, so reissuing yields the same tickets.
func IssueTickets(o Order, at time.Time) []Ticket {
	owner := o.Owner()
	gift := owner != o.UserID
	tickets := make([]Ticket, 0, len(o.Lines))
	for _, l := range o.Lines {
		tickets = append(tickets, Ticket{
			TicketID:      uuid.NewSHA1(ticketNamespace, []byte(o.TicketID+":"+l.NumberID)).String(),
			OrderID:       o.OrderID,
			DrawID:        o.DrawID,
			NumberID:      l.NumberID,
			Number:        l.Number,
			Series:        l.Series,
			OwnerID:       owner,
			PurchaserID:   o.UserID,
			Gift:          gift,
			Amount:        l.UnitPrice,
			TransactionID: o.TransactionID,
			Status:        TicketStatusActive,
			PurchasedAt:   at,
		})
	}
	return tickets
}
