package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/lovendo/momentcore/internal/logging"
	"github.com/lovendo/momentcore/internal/middleware"
)

// RequestEntry summarises one served request.
type RequestEntry struct {
	Time       time.Time `json:"time"`
	TraceID    string    `json:"trace_id,omitempty"`
	ActorID    string    `json:"actor_id,omitempty"`
	Roles      []string  `json:"roles,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// RequestSink persists request entries.
type RequestSink interface {
	Write(entry RequestEntry) error
}

// RequestLog keeps the most recent requests in memory and optionally appends
// every entry to a sink. It complements the policy audit trail, which only
// records state changes.
type RequestLog struct {
	mu      sync.Mutex
	entries []RequestEntry
	max     int
	sink    RequestSink
}

// NewRequestLog creates a log retaining at most max entries.
func NewRequestLog(max int, sink RequestSink) *RequestLog {
	if max <= 0 {
		max = 200
	}
	return &RequestLog{max: max, sink: sink}
}

// Add appends an entry, evicting the oldest beyond capacity.
func (l *RequestLog) Add(entry RequestEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	if l.sink != nil {
		_ = l.sink.Write(entry)
	}
}

// List returns up to limit of the newest entries, oldest first.
func (l *RequestLog) List(limit int) []RequestEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > l.max {
		limit = l.max
	}
	start := 0
	if len(l.entries) > limit {
		start = len(l.entries) - limit
	}
	out := make([]RequestEntry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// FileRequestSink appends entries as JSONL.
type FileRequestSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileRequestSink opens path for appending. An empty path returns nil.
func NewFileRequestSink(path string) (*FileRequestSink, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &FileRequestSink{file: f}, nil
}

func (s *FileRequestSink) Write(entry RequestEntry) error {
	if s == nil || s.file == nil {
		return nil
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(append(b, '\n'))
	return err
}

// Close closes the underlying file.
func (s *FileRequestSink) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// wrapWithRequestLog records every request that passed authentication.
func wrapWithRequestLog(next http.Handler, log *RequestLog) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		entry := RequestEntry{
			Time:       start.UTC(),
			TraceID:    logging.GetTraceID(r.Context()),
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     status,
			DurationMS: time.Since(start).Milliseconds(),
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		}
		if a, ok := middleware.ActorFrom(r.Context()); ok {
			entry.ActorID = a.ID
			entry.Roles = a.RoleNames()
		}
		log.Add(entry)
	})
}
