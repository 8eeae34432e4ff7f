// Package notify delivers operation terminal-state notifications to chat
// platforms (Slack, Discord). Delivery is best-effort: a notification
// failure never affects operation state.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mwhitten/ingestd/internal/models"
	"github.com/mwhitten/ingestd/internal/operation"
)

// Notifier is implemented by platform-specific senders.
type Notifier interface {
	// OperationTerminal announces that an operation reached COMPLETED or
	// FAILED.
	OperationTerminal(ctx context.Context, op *models.Operation) error
}

// Multi fans a notification out to several platforms, collecting errors.
type Multi []Notifier

// OperationTerminal delivers to every notifier, returning the joined
// errors of those that failed.
func (m Multi) OperationTerminal(ctx context.Context, op *models.Operation) error {
	var errs []error
	for _, n := range m {
		if err := n.OperationTerminal(ctx, op); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Event is a platform-neutral rendering of a terminal operation.
type Event struct {
	Title string
	Body  string
	Color string // sidebar color hint, e.g. "#36a64f" for success
}

// eventFor renders the operation into a notification event.
func eventFor(op *models.Operation) Event {
	duration := ""
	if op.EndedAt != nil {
		duration = op.EndedAt.Sub(op.StartedAt).Round(time.Second).String()
	}
	if operation.Status(op.CurrentStatus) == operation.StatusFailed {
		body := op.ErrorMessage
		if body == "" {
			body = "no error message recorded"
		}
		return Event{
			Title: fmt.Sprintf("Operation %d (%s) failed", op.ID, op.OperationType),
			Body:  body,
			Color: "#cc0000",
		}
	}
	body := op.ProgressDetails
	if duration != "" {
		body = fmt.Sprintf("%s (took %s)", body, duration)
	}
	return Event{
		Title: fmt.Sprintf("Operation %d (%s) completed", op.ID, op.OperationType),
		Body:  body,
		Color: "#36a64f",
	}
}
