package web

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/anibaldeboni/zero-paper/sensorhub/engine"
	"github.com/anibaldeboni/zero-paper/sensorhub/queue"
	"github.com/anibaldeboni/zero-paper/sensorhub/reading"
)

// InstanceProvider exposes instance state and writes
type InstanceProvider interface {
	Status() []engine.InstanceStatus
	InstanceStatus(name string) (engine.InstanceStatus, bool)
	Write(ctx context.Context, name string, v reading.Value) error
}

// QueueStatsProvider exposes the delivery queue of every publisher
type QueueStatsProvider interface {
	Stats() []queue.Stats
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Instances int       `json:"instances"`
	Disabled  int       `json:"disabled"`
}

// WriteRequest is the body of POST /instances/{name}
type WriteRequest struct {
	Value *reading.Value `json:"value"`
}

// ErrorResponse represents the JSON response for errors
type ErrorResponse struct {
	Error string    `json:"error"`
	Code  int       `json:"code"`
	Time  time.Time `json:"timestamp"`
}

// loggingResponseWriter wraps http.ResponseWriter to capture status codes
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}
