package gateway

import (
	"log/slog"
	"time"
)

// Notice is a user-facing failure report. Auth failures never produce one:
// the session-ended path is signalled by the cleared session instead.
type Notice struct {
	Kind    Kind
	Status  int
	Message string
	Method  string
	Path    string
	At      time.Time
}

// Notifier receives notices. Notify must not block.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// NoticeFeed buffers notices on a channel. When the buffer is full the
// notice is dropped.
type NoticeFeed struct {
	ch chan Notice
}

func NewNoticeFeed(size int) *NoticeFeed {
	if size <= 0 {
		size = 16
	}
	return &NoticeFeed{ch: make(chan Notice, size)}
}

func (f *NoticeFeed) Notify(n Notice) {
	select {
	case f.ch <- n:
	default:
	}
}

// C returns the receive side of the feed.
func (f *NoticeFeed) C() <-chan Notice { return f.ch }

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Log *slog.Logger
}

func (l LogNotifier) Notify(n Notice) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.Warn("gateway.notice",
		slog.String("kind", n.Kind.String()),
		slog.Int("status", n.Status),
		slog.String("method", n.Method),
		slog.String("path", n.Path),
		slog.String("message", n.Message),
	)
}
