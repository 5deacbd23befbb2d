// Package stream serves run and group streams as Server-Sent Events.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Writer frames Server-Sent Events onto an HTTP response and flushes each one.
type Writer struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
	last    time.Time
}

// NewWriter wraps w. A positive writeTimeout bounds every individual write so
// a stalled client cannot pin the handler.
func NewWriter(w http.ResponseWriter, writeTimeout time.Duration) *Writer {
	return &Writer{
		w:       w,
		rc:      http.NewResponseController(w),
		timeout: writeTimeout,
	}
}

// Start sends the stream headers.
func (s *Writer) Start() error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	return s.flush()
}

// Event writes one event. An empty id omits the id field, leaving the
// client's last event ID unchanged.
func (s *Writer) Event(id, event string, data []byte) error {
	var buf bytes.Buffer
	if id != "" {
		fmt.Fprintf(&buf, "id: %s\n", id)
	}
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteByte('\n')
	return s.write(buf.Bytes())
}

// Comment writes a comment line, used as a keepalive.
func (s *Writer) Comment(text string) error {
	return s.write([]byte(": " + text + "\n\n"))
}

// Idle returns the time since the last write.
func (s *Writer) Idle() time.Duration {
	return time.Since(s.last)
}

func (s *Writer) write(p []byte) error {
	if s.timeout > 0 {
		err := s.rc.SetWriteDeadline(time.Now().Add(s.timeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	return s.flush()
}

func (s *Writer) flush() error {
	s.last = time.Now()
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
