package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Ticket struct {
	TicketID       string     `json:"ticket_id"`
	LocationID     string     `json:"location_id"`
	TicketNumber   int64      `json:"ticket_number"`
	Status         string     `json:"status"`
	VisitorName    string     `json:"visitor_name,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	RequestID      string     `json:"request_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StateChangedAt time.Time  `json:"state_changed_at"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
	ServedAt       *time.Time `json:"served_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusServed    = "served"
	StatusCancelled = "cancelled"
)

// TerminalStatus reports whether a ticket in the given status can never
// transition again.
func TerminalStatus(status string) bool {
	return status == StatusServed || status == StatusCancelled
}

// TicketIDFor builds the compound ticket identifier for a location and
// ticket number.
func TicketIDFor(locationID string, number int64) string {
	return fmt.Sprintf("%s-%d", locationID, number)
}

// ParseTicketID splits a compound ticket identifier into its location id and
// ticket number. The number is the segment after the last dash, so location
// identifiers may themselves contain dashes.
func ParseTicketID(ticketID string) (string, int64, bool) {
	idx := strings.LastIndexByte(ticketID, '-')
	if idx <= 0 || idx == len(ticketID)-1 {
		return "", 0, false
	}
	number, err := strconv.ParseInt(ticketID[idx+1:], 10, 64)
	if err != nil || number < 1 {
		return "", 0, false
	}
	return ticketID[:idx], number, true
}
