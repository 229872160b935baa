package health

import (
	"encoding/json"

	"github.com/vinayprograms/botkit/logging"
)

// DefaultSubject is the bus subject snapshots are published on.
const DefaultSubject = "health.snapshot"

// Publisher is the subset of a message bus the publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NewBusPublisher returns an OnSnapshot callback publishing snapshots as
// JSON. Publish failures are logged and otherwise ignored.
func NewBusPublisher(p Publisher, subject string, logger *logging.Logger) func(Snapshot) {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return func(s Snapshot) {
		data, err := json.Marshal(s)
		if err != nil {
			return
		}
		if err := p.Publish(subject, data); err != nil {
			logger.Warn("health_publish_failed", map[string]interface{}{
				"subject": subject,
				"error":   err.Error(),
			})
		}
	}
}
