package notify

import (
	"go.uber.org/zap"

	"pos-sync-service/internal/logger"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notifier surfaces operator-facing messages. Implementations must not block.
type Notifier interface {
	Notify(title, message string, severity Severity)
}

// Auditor records domain events for the audit trail.
type Auditor interface {
	Audit(eventType string, metadata map[string]interface{})
}

type LogNotifier struct{}

func (LogNotifier) Notify(title, message string, severity Severity) {
	fields := []zap.Field{zap.String("title", title), zap.String("message", message)}
	switch severity {
	case SeverityError:
		logger.Log.Error("Notification", fields...)
	case SeverityWarning:
		logger.Log.Warn("Notification", fields...)
	default:
		logger.Log.Info("Notification", fields...)
	}
}

type LogAuditor struct{}

func (LogAuditor) Audit(eventType string, metadata map[string]interface{}) {
	logger.Log.Info("Audit", zap.String("event", eventType), zap.Any("metadata", metadata))
}
