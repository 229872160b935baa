package ratelimit

import (
	"encoding/json"

	"github.com/vinayprograms/botkit/logging"
)

// CapacitySubject is the bus subject capacity updates are published on.
const CapacitySubject = "ratelimit.capacity"

// Publisher is the subset of a message bus the announcer needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NewCapacityPublisher returns an observer that publishes every capacity
// change on CapacitySubject. Keys are redacted before leaving the process.
func NewCapacityPublisher(p Publisher, source string, logger *logging.Logger) OnCapacityChange {
	if logger == nil {
		logger = logging.Nop()
	}
	return func(update CapacityUpdate) {
		update.Key = logging.RedactKey(update.Key)
		update.Source = source
		data, err := json.Marshal(update)
		if err != nil {
			return
		}
		if err := p.Publish(CapacitySubject, data); err != nil {
			logger.Warn("capacity_publish_failed", map[string]interface{}{
				"key":   update.Key,
				"error": err.Error(),
			})
		}
	}
}
