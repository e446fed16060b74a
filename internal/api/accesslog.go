package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// AccessLog wraps next so every handled request emits one structured log
// line. With xForwardedFor set, the first address in an X-Forwarded-For
// header replaces the peer address, for deployments behind a reverse proxy.
func AccessLog(logger *slog.Logger, xForwardedFor bool, next http.Handler) http.Handler {
	accessLogger := logger.With("component", "access")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		remote := r.RemoteAddr
		if xForwardedFor {
			if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
				remote = strings.TrimSpace(strings.Split(forwarded, ",")[0])
			}
		}
		accessLogger.Info("handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"bytes", recorder.bytes,
			"duration", time.Since(start),
			"remote", remote,
			"user_agent", r.UserAgent(),
		)
	})
}

// statusRecorder captures the status code and body size a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}
