package workspace

import (
	"context"

	"github.com/wudi/pdfdesk/observability"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notice is a user-facing message about a finished operation.
type Notice struct {
	Level   Level  `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Notifier delivers notices to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

type NotifierFunc func(ctx context.Context, n Notice)

func (f NotifierFunc) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Logger observability.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notice) {
	fields := []observability.Field{
		observability.String("title", n.Title),
		observability.String("notice", n.Message),
	}
	if n.Level == LevelError {
		l.Logger.Warn("notify", fields...)
		return
	}
	l.Logger.Info("notify", fields...)
}

var busyNotice = Notice{Level: LevelError, Title: "Busy", Message: "The server is busy. Please try again."}
