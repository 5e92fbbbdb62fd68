// Package audit writes one JSON line per edge decision.
package audit

import (
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/coal/recaptchaedge/internal/jsonutil"
)

// Stderr is the Open target that selects standard error.
const Stderr = "-"

// Entry is one decision record.
type Entry struct {
	Timestamp       time.Time `json:"timestamp"`
	RequestID       string    `json:"request_id"`
	Method          string    `json:"method"`
	Host            string    `json:"host,omitempty"`
	Path            string    `json:"path"`
	Disposition     string    `json:"disposition"`
	Actions         []string  `json:"actions"`
	LocalAssessment string    `json:"local_assessment,omitempty"`
	SiteKeyUsed     string    `json:"site_key_used,omitempty"`
	PolicyCache     string    `json:"policy_cache,omitempty"`
	Status          int       `json:"status,omitempty"`
	Exceptions      []string  `json:"exceptions,omitempty"`
	Error           string    `json:"error,omitempty"`
	DurationMS      float64   `json:"duration_ms"`
}

// Logger serializes entries onto a writer, one per line.
type Logger struct {
	mu     sync.Mutex
	enc    *jsonutil.Encoder
	closer io.Closer
	only   []string
}

// Option tunes a Logger.
type Option func(*Logger)

// OnlyDispositions keeps entries whose disposition is listed, plus every
// entry that carries an error. No dispositions keeps everything.
func OnlyDispositions(dispositions ...string) Option {
	return func(l *Logger) { l.only = slices.Clone(dispositions) }
}

// NewLogger returns a logger writing to w. w is not closed by Close.
func NewLogger(w io.Writer, opts ...Option) *Logger {
	l := &Logger{enc: jsonutil.NewEncoder(w)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open returns a logger for target: Stderr or "" writes to standard error,
// anything else is a file opened for append.
func Open(target string, opts ...Option) (*Logger, error) {
	if target == "" || target == Stderr {
		return NewLogger(os.Stderr, opts...), nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l := NewLogger(f, opts...)
	l.closer = f
	return l, nil
}

// Log writes e unless the disposition filter drops it.
func (l *Logger) Log(e Entry) error {
	if !l.keeps(e) {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(e)
}

func (l *Logger) keeps(e Entry) bool {
	return len(l.only) == 0 || e.Error != "" || slices.Contains(l.only, e.Disposition)
}

// Close releases a file opened by Open.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// NopLogger returns a logger that discards all entries.
func NopLogger() *Logger {
	return NewLogger(io.Discard)
}
