package alerts

import (
	"context"
	"sync"
)

// Alert is one recorded notification.
type Alert struct {
	Severity Severity
	Message  string
	Fields   map[string]any
}

// Recorder keeps alerts in memory. Tests across packages use it to assert
// that a path raised (or did not raise) an alert.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Notify(_ context.Context, severity Severity, message string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, Alert{Severity: severity, Message: message, Fields: fields})
}

// Alerts returns a copy of everything recorded so far.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Count returns how many alerts carried severity.
func (r *Recorder) Count(severity Severity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Severity == severity {
			n++
		}
	}
	return n
}
