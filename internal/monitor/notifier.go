package monitor

import (
	"github.com/ctrlpark/ctrlpark/internal/storage"
	"github.com/rs/zerolog"
)

// Notifier records a notification whenever a driver's machine parks in or
// releases a slot. Pending states and reverts produce nothing. Writes go
// through a queue so Publish returns at once.
type Notifier struct {
	writer *Writer
	queue  *effectQueue
	logger zerolog.Logger
}

// NewNotifier creates a Notifier writing through w.
func NewNotifier(w *Writer, logger zerolog.Logger) *Notifier {
	return &Notifier{
		writer: w,
		queue:  newEffectQueue(),
		logger: logger.With().Str("component", "notifier").Logger(),
	}
}

// Publish implements Publisher.
func (n *Notifier) Publish(c Change) {
	var message, kind string
	switch c.Cause {
	case CauseConfirm:
		if c.Source != SourceLocal {
			return
		}
		message, kind = "Slot has been OCCUPIED", "occupied"
	case CauseVacate:
		message, kind = "Slot is now AVAILABLE", "available"
	default:
		return
	}

	fields := map[string]any{
		"slot":      c.SlotID,
		"message":   message,
		"type":      kind,
		"driver":    c.Driver,
		"timestamp": storage.ServerTimestamp,
	}
	queued := n.queue.push(func() {
		if _, ok := n.writer.Add("notify", storage.CollectionNotifications, fields); ok {
			n.logger.Debug().Str("slot", c.SlotID).Str("type", kind).Msg("Notification recorded")
		}
	})
	if !queued {
		n.logger.Warn().Str("slot", c.SlotID).Str("type", kind).Msg("Notifier closed, notification dropped")
	}
}

// Flush waits for the notifications queued so far.
func (n *Notifier) Flush() {
	n.queue.flush()
}

// Close stops accepting notifications and waits for queued ones.
func (n *Notifier) Close() {
	n.queue.close()
	<-n.queue.done
}
