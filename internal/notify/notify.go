// Package notify delivers operator notifications and alerts.
package notify

import (
	"context"
	"fmt"
	"html"
	"sync"
)

// Notifier delivers messages to the operators.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
	// Alert is Notify for incidents that need a human.
	Alert(ctx context.Context, msg string) error
}

// AlertPrefix marks alert messages.
const AlertPrefix = "Alert!!! "

// Noop drops every message.
type Noop struct{}

func (Noop) Notify(ctx context.Context, msg string) error { return nil }
func (Noop) Alert(ctx context.Context, msg string) error  { return nil }

// Recorder keeps messages in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []string
	alerts   []string
}

func (r *Recorder) Notify(ctx context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *Recorder) Alert(ctx context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, msg)
	return nil
}

// Messages returns a copy of the recorded notifications.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.alerts...)
}

// TxLink formats an HTML link to a transaction on the block explorer.
func TxLink(explorerURL, label, txID string) string {
	return fmt.Sprintf(`<a href="%s/transaction/%s">%s</a>`, explorerURL, txID, html.EscapeString(label))
}
