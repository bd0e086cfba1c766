package notify

import (
	"context"
	"log/slog"
)

// Outcome is the final result of a task pushed to the caller's device.
type Outcome struct {
	TaskID  string `json:"taskId"`
	Number  string `json:"number"`
	Matched bool   `json:"matched"`
}

// Notifier delivers task outcomes. Callers treat failures as best-effort.
type Notifier interface {
	Notify(ctx context.Context, o Outcome) error
}

// LogNotifier only logs. Used when no push credentials are configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, o Outcome) error {
	l := n.Log
	if l == nil {
		l = slog.Default()
	}
	l.Info("task outcome", "task_id", o.TaskID, "number", o.Number, "matched", o.Matched)
	return nil
}
