package queue

import "fmt"

const (
	locationPrefix = "location#"
	ticketsPrefix  = "ticket#"
	requestPrefix  = "request#"
)

func locationKey(locationID string) string {
	return locationPrefix + locationID
}

func ticketKey(locationID string, number int64) string {
	return fmt.Sprintf("%s%s#%d", ticketsPrefix, locationID, number)
}

func ticketKeyPrefix(locationID string) string {
	return ticketsPrefix + locationID + "#"
}

func requestKey(requestID string) string {
	return requestPrefix + requestID
}
