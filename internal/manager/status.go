package manager

import (
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"
)

// statusRecord is the liveness snapshot written for the external status
// collaborator (supervision scripts poll this file).
type statusRecord struct {
	Status          string `json:"status"`
	PID             int    `json:"pid"`
	Timestamp       string `json:"timestamp"`
	StartTime       string `json:"start_time,omitempty"`
	Processors      int    `json:"processors"`
	Workers         int    `json:"workers"`
	CoolingSessions int    `json:"cooling_sessions"`
}

type statusWriter struct {
	path  string
	log   *zap.Logger
	start time.Time
}

func newStatusWriter(path string, log *zap.Logger) *statusWriter {
	return &statusWriter{path: path, log: log, start: time.Now().UTC()}
}

func (w *statusWriter) write(state string, processors, workers, sessions int) {
	if w.path == "" {
		return
	}
	rec := statusRecord{
		Status:          state,
		PID:             os.Getpid(),
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		StartTime:       w.start.Format(time.RFC3339),
		Processors:      processors,
		Workers:         workers,
		CoolingSessions: sessions,
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		w.log.Error("marshal status record", zap.Error(err))
		return
	}
	if err := os.WriteFile(w.path, raw, 0o644); err != nil {
		w.log.Error("write status file", zap.String("path", w.path), zap.Error(err))
	}
}

func (w *statusWriter) remove() {
	if w.path == "" {
		return
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		w.log.Error("remove status file", zap.String("path", w.path), zap.Error(err))
	}
}
