package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Location struct {
	LocationID           string    `json:"location_id"`
	Name                 string    `json:"name"`
	Description          string    `json:"description,omitempty"`
	Capacity             int       `json:"capacity,omitempty"`
	CurrentServingNumber int64     `json:"current_serving_number"`
	NextTicketNumber     int64     `json:"next_ticket_number"`
	CreatedAt            time.Time `json:"created_at"`
}

// NewLocationID returns a fresh short identifier, the first 8 hex characters
// of a v4 UUID. Collisions are handled by the caller's if-absent write.
func NewLocationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
