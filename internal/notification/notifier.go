// Package notification delivers operator alerts (log, webhook, Twilio SMS)
// for background-job failures in the settlement scheduler and sell consumer.
package notification

import (
	"context"
	"errors"
	"log/slog"
	"sort"
)

// AlertLevel orders alerts by urgency. MinLevel filters on it.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is one operator notification. Fields carries ledger identifiers
// (user_id, order_id, fill_id) so backends can render or index them.
type Alert struct {
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Notifier delivers alerts.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// sortedFields returns a's fields as key=value pairs in key order.
func (a Alert) sortedFields() []string {
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + a.Fields[k]
	}
	return out
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier logs alerts through logger, slog.Default when nil.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{log: logger.With(slog.String("component", "notify"))}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Level {
	case AlertWarning:
		level = slog.LevelWarn
	case AlertCritical:
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.String("alert_level", string(alert.Level)),
		slog.String("message", alert.Message),
	}
	for k, v := range alert.Fields {
		attrs = append(attrs, slog.String(k, v))
	}
	n.log.LogAttrs(ctx, level, alert.Title, attrs...)
	return nil
}

// Multi sends every alert to all backends and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MinLevel forwards only alerts at or above Level.
type MinLevel struct {
	Level AlertLevel
	Next  Notifier
}

func (f MinLevel) Send(ctx context.Context, alert Alert) error {
	if rank(alert.Level) < rank(f.Level) {
		return nil
	}
	return f.Next.Send(ctx, alert)
}

func rank(l AlertLevel) int {
	switch l {
	case AlertWarning:
		return 1
	case AlertCritical:
		return 2
	}
	return 0
}
