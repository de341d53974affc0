package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SlogSink writes records as structured log lines.
//
// Scalars become attributes; histograms are reduced to their mean and
// standard deviation to keep lines short.
type SlogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogSink creates a sink logging at level through logger.
func NewSlogSink(logger *slog.Logger, level slog.Level) *SlogSink {
	return &SlogSink{logger: logger, level: level}
}

// Log implements Sink.
func (s *SlogSink) Log(ctx context.Context, r Record) error {
	attrs := []slog.Attr{slog.Int("step", r.Step), slog.Int("epoch", r.Epoch)}
	for _, k := range sortedKeys(r.Scalars) {
		attrs = append(attrs, slog.Float64(k, r.Scalars[k]))
	}
	s.logger.LogAttrs(ctx, s.level, "telemetry", attrs...)

	for _, k := range sortedKeys(r.Histograms) {
		h := r.Histograms[k]
		s.logger.LogAttrs(ctx, slog.LevelDebug, "histogram",
			slog.Int("step", r.Step),
			slog.String("name", k),
			slog.Float64("mean", h.Mean),
			slog.Float64("std", h.StdDev),
			slog.Int("non_finite", h.NonFinite),
		)
	}
	return nil
}

// JSONLSink appends records as JSON lines to a per-run file.
type JSONLSink struct {
	mu    sync.Mutex
	runID string
	path  string
	file  *os.File
	enc   *json.Encoder
}

// jsonLine is the on-disk form of a record.
type jsonLine struct {
	RunID string    `json:"run_id"`
	Time  time.Time `json:"time"`
	Record
}

// NewJSONLSink creates dir if needed and opens run-<uuid>.jsonl inside it.
func NewJSONLSink(dir string) (*JSONLSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create run directory %s", dir)
	}
	id := uuid.NewString()
	path := filepath.Join(dir, "run-"+id+".jsonl")
	//nolint:gosec // G304: run directory is operator supplied
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open run log %s", path)
	}
	return &JSONLSink{runID: id, path: path, file: f, enc: json.NewEncoder(f)}, nil
}

// RunID returns the identifier written into every line.
func (s *JSONLSink) RunID() string {
	return s.runID
}

// Path returns the log file path.
func (s *JSONLSink) Path() string {
	return s.path
}

// Log implements Sink.
func (s *JSONLSink) Log(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("run log is closed")
	}
	if err := s.enc.Encode(jsonLine{RunID: s.runID, Time: time.Now().UTC(), Record: r}); err != nil {
		return errors.Wrap(err, "write run log")
	}
	return nil
}

// Close flushes and closes the file. Further Log calls fail.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return errors.Wrap(err, "close run log")
}

// Multi fans records out to several sinks.
//
// Every sink receives every record; the first error is returned after all
// sinks ran.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Log(ctx context.Context, r Record) error {
	var first error
	for _, s := range m {
		if err := s.Log(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
