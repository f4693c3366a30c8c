// Package notify is the operator notification sink. Only CRITICAL classes go
// out; everything else stays in the logs.
package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Notifier delivers an event with its payload to operators.
type Notifier interface {
	Notify(ctx context.Context, event string, payload string) error
}

// LogNotifier is the fallback sink when no external channel is configured.
type LogNotifier struct {
	log *logrus.Entry
}

// NewLogNotifier builds the log-only sink.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logrus.WithField("component", "notifier")}
}

// Notify writes the event at error level.
func (n *LogNotifier) Notify(ctx context.Context, event string, payload string) error {
	n.log.Errorf("OPERATOR ALERT [%s]: %s", event, payload)
	return nil
}
