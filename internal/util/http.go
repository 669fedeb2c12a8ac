package util

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// errorBody is the uniform JSON error payload.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSONError writes a JSON error response for the given status.
func WriteJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(JSONErrorBody(status, message))
}

// JSONErrorBody encodes the error payload for status.
func JSONErrorBody(status int, message string) []byte {
	b, _ := json.Marshal(errorBody{Error: ErrorKind(status), Message: message})
	return append(b, '\n')
}

// RetryAfterSeconds formats a Retry-After header value, rounding up.
func RetryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// StatusCapturingResponseWriter wraps http.ResponseWriter to track the status
// code and whether any response byte has been committed to the client.
type StatusCapturingResponseWriter struct {
	http.ResponseWriter
	StatusCode    int
	HeaderWritten bool
	bytes         atomic.Int64
	hijacked      atomic.Bool
}

// NewStatusCapturingResponseWriter wraps w with a default status of 200 OK.
func NewStatusCapturingResponseWriter(w http.ResponseWriter) *StatusCapturingResponseWriter {
	return &StatusCapturingResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code and writes it to the underlying ResponseWriter.
func (w *StatusCapturingResponseWriter) WriteHeader(code int) {
	if w.HeaderWritten {
		return
	}
	w.StatusCode = code
	w.HeaderWritten = true
	w.ResponseWriter.WriteHeader(code)
}

// Write writes data to the underlying ResponseWriter.
func (w *StatusCapturingResponseWriter) Write(b []byte) (int, error) {
	if !w.HeaderWritten {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes.Add(int64(n))
	return n, err
}

// BytesWritten returns the number of body bytes delivered so far.
func (w *StatusCapturingResponseWriter) BytesWritten() int64 {
	return w.bytes.Load()
}

// Committed reports whether anything has been sent to the client.
func (w *StatusCapturingResponseWriter) Committed() bool {
	return w.HeaderWritten || w.bytes.Load() > 0 || w.hijacked.Load()
}

// Flush implements http.Flusher for streaming support.
func (w *StatusCapturingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for protocol upgrades.
func (w *StatusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		w.hijacked.Store(true)
		w.StatusCode = http.StatusSwitchingProtocols
		w.HeaderWritten = true
	}
	return conn, rw, err
}

// Unwrap returns the wrapped writer for http.ResponseController.
func (w *StatusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

var (
	_ http.Flusher  = (*StatusCapturingResponseWriter)(nil)
	_ http.Hijacker = (*StatusCapturingResponseWriter)(nil)
)
