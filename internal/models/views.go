package models

type QueueView struct {
	LocationID           string   `json:"location_id"`
	WaitingCount         int      `json:"waiting_count"`
	CurrentServingNumber int64    `json:"current_serving_number"`
	CalledTicket         *Ticket  `json:"called_ticket,omitempty"`
	Waiting              []Ticket `json:"waiting"`
}

type TicketStatus struct {
	Ticket               Ticket `json:"ticket"`
	Position             int    `json:"position"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
	CurrentServingNumber int64  `json:"current_serving_number"`
}

type LocationStats struct {
	LocationID           string `json:"location_id"`
	WaitingCount         int    `json:"waiting_count"`
	CalledCount          int    `json:"called_count"`
	ServedCount          int    `json:"served_count"`
	CancelledCount       int    `json:"cancelled_count"`
	CurrentServingNumber int64  `json:"current_serving_number"`
}
