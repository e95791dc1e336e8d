package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// requestLogger is middleware that logs HTTP requests
type requestLogger struct {
	handler http.Handler
	output  io.Writer
	format  string // "json" or "text"
}

// RequestLogEntry represents a single request log entry
type RequestLogEntry struct {
	Timestamp  string `json:"timestamp"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Status     int    `json:"status"`
	Bytes      int64  `json:"bytes"`
	Duration   string `json:"duration"`
	DurationMs int64  `json:"duration_ms"`
	ClientIP   string `json:"client_ip"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// responseCapture wraps http.ResponseWriter to capture the status code
// and the number of body bytes written
type responseCapture struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rc *responseCapture) WriteHeader(code int) {
	if rc.status == 0 {
		rc.status = code
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if rc.status == 0 {
		rc.status = http.StatusOK
	}
	n, err := rc.ResponseWriter.Write(b)
	rc.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// newRequestLogger creates request logging middleware
func newRequestLogger(handler http.Handler, output io.Writer, format string) *requestLogger {
	if format == "" {
		format = "text"
	}
	return &requestLogger{
		handler: handler,
		output:  output,
		format:  format,
	}
}

func (rl *requestLogger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rc := &responseCapture{ResponseWriter: w}
	rl.handler.ServeHTTP(rc, r)

	duration := time.Since(start)

	// A handler that wrote nothing still sent a 200
	status := rc.status
	if status == 0 {
		status = http.StatusOK
	}

	// Get client IP (respecting X-Forwarded-For if present)
	clientIP := r.RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP = xff
	}

	entry := RequestLogEntry{
		Timestamp:  start.Format(time.RFC3339),
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		Bytes:      rc.bytes,
		Duration:   duration.String(),
		DurationMs: duration.Milliseconds(),
		ClientIP:   clientIP,
		UserAgent:  r.UserAgent(),
	}

	if rl.format == "json" {
		rl.writeJSON(entry)
	} else {
		rl.writeText(entry)
	}
}

func (rl *requestLogger) writeJSON(entry RequestLogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	fmt.Fprintf(rl.output, "%s\n", data)
}

func (rl *requestLogger) writeText(entry RequestLogEntry) {
	fmt.Fprintf(rl.output, "%s %s %s %d %dB %s\n",
		entry.Timestamp,
		entry.Method,
		entry.Path,
		entry.Status,
		entry.Bytes,
		entry.Duration,
	)
}
