package logging

import "time"

// RedactKey shortens credential-like keys for log output.
func RedactKey(key string) string {
	if len(key) <= 10 {
		return key
	}
	return key[:10] + "..."
}

// Transition logs a worker state change.
func (l *Logger) Transition(workerID, from, to string) {
	l.Info("worker_transition", map[string]interface{}{
		"worker": workerID,
		"from":   from,
		"to":     to,
	})
}

// Throttled logs an upstream rejection and the resulting capacity.
func (l *Logger) Throttled(key string, capacity float64, consecutive int) {
	l.Warn("throttled", map[string]interface{}{
		"key":         RedactKey(key),
		"capacity":    capacity,
		"consecutive": consecutive,
	})
}

// CapacityRecovered logs a recovery step.
func (l *Logger) CapacityRecovered(key string, from, to float64) {
	l.Info("capacity_recovered", map[string]interface{}{
		"key":  RedactKey(key),
		"from": from,
		"to":   to,
	})
}

// TaskStalled logs a task whose heartbeat went stale.
func (l *Logger) TaskStalled(taskID, key string, age time.Duration) {
	l.Warn("task_stalled", map[string]interface{}{
		"task":          taskID,
		"key":           RedactKey(key),
		"heartbeat_age": age.Round(time.Millisecond).String(),
	})
}

// Health logs a health classification. Anything but healthy is a warning.
func (l *Logger) Health(status string, reasons []string) {
	fields := map[string]interface{}{
		"status": status,
	}
	if len(reasons) > 0 {
		fields["reasons"] = reasons
	}
	if status == "healthy" {
		l.Debug("health", fields)
		return
	}
	l.Warn("health", fields)
}
