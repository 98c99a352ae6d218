package platform

import (
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailattach/internal/model"
)

// LogNotifier reports attachment signals as structured log entries.
// Progress signals are logged at debug level.
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier creates a notifier writing to logger.
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs sig.
func (n *LogNotifier) Notify(sig model.Signal) {
	entry := n.logger.WithFields(logrus.Fields{
		"key":   sig.Key.String(),
		"name":  sig.Name,
		"state": sig.State,
	})

	switch sig.State {
	case model.SignalProgress:
		entry.WithField("percent", sig.Percent).Debug("Attachment progress")
	case model.SignalReady:
		entry.WithField("path", sig.Path).Info(sig.Message)
	case model.SignalUnsupported:
		entry.WithField("path", sig.Path).Warn(sig.Message)
	case model.SignalFailed:
		entry.WithField("kind", sig.Kind).Error(sig.Message)
	}
}

// Fanout delivers every signal to each notifier in turn.
type Fanout []interface{ Notify(model.Signal) }

// Notify forwards sig to every notifier.
func (f Fanout) Notify(sig model.Signal) {
	for _, n := range f {
		n.Notify(sig)
	}
}
