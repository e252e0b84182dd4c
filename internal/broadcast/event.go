// Package broadcast fans pipeline progress out to listening clients.
package broadcast

import "github.com/seolens/audit-service/internal/audit"

// TotalSteps is the fixed number of pipeline stages reported to clients.
const TotalSteps = 5

// Event is one streamed notification: either a step update, a terminal
// outcome, or an internal keep-alive tick. Events are transient and never
// persisted.
type Event struct {
	Step    int           `json:"step,omitempty"`
	Total   int           `json:"total,omitempty"`
	Message string        `json:"message,omitempty"`
	Status  audit.Status  `json:"status,omitempty"`
	Results *audit.Result `json:"results,omitempty"`
	Error   string        `json:"error,omitempty"`

	keepAlive bool
}

// Progress builds a step-update event.
func Progress(step int, message string) Event {
	return Event{Step: step, Total: TotalSteps, Message: message}
}

// Completed builds the terminal success event.
func Completed(results audit.Result) Event {
	return Event{Status: audit.StatusCompleted, Results: &results}
}

// Failed builds the terminal failure event.
func Failed(errText string) Event {
	return Event{Status: audit.StatusFailed, Error: errText}
}

// Terminal reports whether the event carries a terminal audit status.
func (e Event) Terminal() bool {
	return e.Status.Terminal()
}

// KeepAlive reports whether the event is a connection keep-alive tick
// rather than pipeline progress.
func (e Event) KeepAlive() bool {
	return e.keepAlive
}
