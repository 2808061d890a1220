package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type NumberStatus string

const (
	NumberStatusAvailable NumberStatus = "available"
	NumberStatusReserved  NumberStatus = "reserved"
	NumberStatusSold      NumberStatus = "sold"
)

const DefaultMaxPerRequest = 10

// numberNamespace seeds the deterministic ids of pool records.
var numberNamespace = uuid.MustParse("6f1c9a52-4b7e-4d0a-9a8e-2f5d3c71b0e4")

type Draw struct {
	ID            string
	Title         string
	MinNumber     int
	MaxNumber     int
	TotalSeries   int
	TicketPrice   decimal.Decimal
	MaxPerRequest int
	CreatedAt     time.Time
}

func (d Draw) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: draw id is required", ErrInvalidArgument)
	}
	if d.MinNumber < 0 || d.MaxNumber < d.MinNumber {
		return fmt.Errorf("%w: invalid number range %d-%d", ErrInvalidArgument, d.MinNumber, d.MaxNumber)
	}
	if d.TotalSeries < 1 {
		return fmt.Errorf("%w: total series must be positive", ErrInvalidArgument)
	}
	if d.TicketPrice.IsNegative() {
		return fmt.Errorf("%w: ticket price must not be negative", ErrInvalidArgument)
	}
	return nil
}

// NumbersPerSeries is the width of the number range.
func (d Draw) NumbersPerSeries() int {
	return d.MaxNumber - d.MinNumber + 1
}

// Combinations is the size of the (number, series) space.
func (d Draw) Combinations() int64 {
	return int64(d.NumbersPerSeries()) * int64(d.TotalSeries)
}

func (d Draw) HasNumber(n int) bool {
	return n >= d.MinNumber && n <= d.MaxNumber
}

func (d Draw) HasSeries(s int) bool {
	return s >= 1 && s <= d.TotalSeries
}

func (d Draw) RequestLimit() int {
	if d.MaxPerRequest <= 0 {
		return DefaultMaxPerRequest
	}
	return d.MaxPerRequest
}

// Combination is one sellable (number, series) pair.
type Combination struct {
	Number int `json:"number"`
	Series int `json:"series"`
}

type NumberRecord struct {
	ID                   string
	DrawID               string
	Number               int
	Series               int
	Status               NumberStatus
	OrderID              string
	TicketID             string
	ReservationExpiresAt *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CorrelationID returns the order while reserved and the ticket once sold.
func (r NumberRecord) CorrelationID() string {
	switch r.Status {
	case NumberStatusReserved:
		return r.OrderID
	case NumberStatusSold:
		return r.TicketID
	}
	return ""
}

func (r NumberRecord) Combination() Combination {
	return Combination{Number: r.Number, Series: r.Series}
}

// NumberID derives the stable record id of a combination within a draw.
func NumberID(drawID string, number, series int) string {
	return uuid.NewSHA1(numberNamespace, fmt.Appendf(nil, "%s:%d:%d", drawID, number, series)).String()
}

// GeneratePool enumerates every combination of the draw, series first.
func GeneratePool(d Draw, now time.Time) []NumberRecord {
	records := make([]NumberRecord, 0, d.Combinations())
	for series := 1; series <= d.TotalSeries; series++ {
		for n := d.MinNumber; n <= d.MaxNumber; n++ {
			records = append(records, NumberRecord{
				ID:        NumberID(d.ID, n, series),
				DrawID:    d.ID,
				Number:    n,
				Series:    series,
				Status:    NumberStatusAvailable,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
	}
	return records
}

type ReserveCommand struct {
	DrawID    string
	Series    int
	Numbers   []int
	OrderID   string
	ExpiresAt time.Time
}

type ReserveResult struct {
	Reserved    []NumberRecord
	Unavailable []int
}

func (r ReserveResult) Conflict() bool {
	return len(r.Unavailable) > 0
}

type ConfirmResult struct {
	Confirmed   int
	AlreadySold int
}
