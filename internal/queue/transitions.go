package queue

import "github.com/ctoriola/orderly-fresh/internal/models"

var transitionMap = map[string][]string{
	"call":   {models.StatusWaiting},
	"serve":  {models.StatusCalled},
	"cancel": {models.StatusWaiting, models.StatusCalled},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
