package app

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"portalsync/cmd/internal/metrics"
)

// WithRequestLogging wraps an http.Handler, logs each request and records it
// in m (which may be nil). Upgraded connections are logged as 101 once the
// handler returns.
func WithRequestLogging(next http.Handler, log *slog.Logger, m *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		sr := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(sr, r)

		elapsed := time.Since(start)
		status := sr.code()
		m.ServerRequest(r.Method, status, elapsed)
		log.Info("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", sr.bytes,
			"hijacked", sr.hijacked,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", r.Header.Get("X-Request-ID"),
			"remote", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}

// statusRecorder keeps the status net/http actually sent: the first
// WriteHeader wins and a bare Write implies 200. Hijack and Flush are
// forwarded directly for the websocket upgrade; anything else is reached
// through Unwrap by http.ResponseController.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	hijacked bool
}

func (w *statusRecorder) code() int {
	switch {
	case w.hijacked && w.status == 0:
		return http.StatusSwitchingProtocols
	case w.status == 0:
		return http.StatusOK
	}
	return w.status
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 && code >= 200 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(w.ResponseWriter).Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack %T: %w", w.ResponseWriter, err)
	}
	w.hijacked = true
	return conn, rw, nil
}

func (w *statusRecorder) Flush() {
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }
