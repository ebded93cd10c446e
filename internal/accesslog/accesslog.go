// Package accesslog implements the non-blocking access-log event sink of
// spec §5: every completed HTTP/WebSocket cycle emits one Entry; a full
// channel drops new entries rather than blocking request handling. Exact
// line formatting is an external-collaborator concern (spec §1 scopes
// "access-log formatting" out); this package only owns the sink and
// structures entries as zap fields, matching the teacher's wholesale use
// of zap for every other log line.
package accesslog

import (
	"time"

	"go.uber.org/zap"
)

// Entry is one completed request/cycle, ready to be formatted by whatever
// consumes Logger's output.
type Entry struct {
	Protocol   string // "http" or "websocket"
	Method     string // "" for WebSocket
	Path       string
	Status     int // 0 for WebSocket (no status line)
	RemoteHost string
	Duration   time.Duration
	BytesSent  int
}

// Sink fans completed-cycle entries out to a zap logger on a dedicated
// goroutine, dropping entries instead of blocking the caller when the
// buffer is full.
type Sink struct {
	logger  *zap.Logger
	entries chan Entry
	done    chan struct{}
	dropped chan struct{}
}

// NewSink starts a Sink with the given buffer size. bufSize<=0 defaults to
// 1024.
func NewSink(logger *zap.Logger, bufSize int) *Sink {
	if bufSize <= 0 {
		bufSize = 1024
	}
	s := &Sink{
		logger:  logger,
		entries: make(chan Entry, bufSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Log submits an entry. It never blocks: if the buffer is full the entry
// is dropped and a warning is logged, matching spec §5's explicit non-blocking
// requirement for the access log path.
func (s *Sink) Log(e Entry) {
	select {
	case s.entries <- e:
	default:
		s.logger.Warn("accesslog: buffer full, dropping entry",
			zap.String("protocol", e.Protocol),
			zap.String("path", e.Path),
		)
	}
}

func (s *Sink) run() {
	for {
		select {
		case e := <-s.entries:
			s.write(e)
		case <-s.done:
			return
		}
	}
}

func (s *Sink) write(e Entry) {
	fields := []zap.Field{
		zap.String("protocol", e.Protocol),
		zap.String("path", e.Path),
		zap.String("remote", e.RemoteHost),
		zap.Duration("duration", e.Duration),
		zap.Int("bytes_sent", e.BytesSent),
	}
	if e.Method != "" {
		fields = append(fields, zap.String("method", e.Method))
	}
	if e.Status != 0 {
		fields = append(fields, zap.Int("status", e.Status))
	}
	s.logger.Info("access", fields...)
}

// Close stops the sink's goroutine. Buffered entries not yet written are
// discarded.
func (s *Sink) Close() {
	close(s.done)
}
