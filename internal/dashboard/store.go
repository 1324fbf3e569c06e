package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"depthflow/internal/metrics"
)

// metricStore keeps the most recent metric events in a fixed-size ring so the
// dashboard can serve them without touching CloudWatch. Safe for concurrent
// use.
type metricStore struct {
	mu    sync.RWMutex
	items []metrics.Metric
	next  int
	full  bool
}

func newMetricStore(limit int) *metricStore {
	if limit <= 0 {
		limit = 200
	}
	return &metricStore{items: make([]metrics.Metric, limit)}
}

func (s *metricStore) handle(metric metrics.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[s.next] = metric
	s.next++
	if s.next == len(s.items) {
		s.next = 0
		s.full = true
	}
}

// snapshot returns the retained metrics oldest first.
func (s *metricStore) snapshot() []metrics.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.full {
		out := make([]metrics.Metric, s.next)
		copy(out, s.items[:s.next])
		return out
	}
	out := make([]metrics.Metric, 0, len(s.items))
	out = append(out, s.items[s.next:]...)
	out = append(out, s.items[:s.next]...)
	return out
}

// logRecord is the serialisable form of a captured log entry.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook retaining the most recent log entries for the
// dashboard. close detaches it logically since logrus has no hook removal.
type logStore struct {
	mu      sync.RWMutex
	items   []logRecord
	next    int
	full    bool
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	if limit <= 0 {
		limit = 200
	}
	ls := &logStore{items: make([]logRecord, limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}
	if len(entry.Data) > 0 {
		record.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				continue
			}
			switch val := v.(type) {
			case error:
				record.Fields[k] = val.Error()
			case fmt.Stringer:
				record.Fields[k] = val.String()
			default:
				record.Fields[k] = val
			}
		}
	}

	s.mu.Lock()
	s.items[s.next] = record
	s.next++
	if s.next == len(s.items) {
		s.next = 0
		s.full = true
	}
	s.mu.Unlock()
	return nil
}

func (s *logStore) snapshot() []logRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.full {
		out := make([]logRecord, s.next)
		copy(out, s.items[:s.next])
		return out
	}
	out := make([]logRecord, 0, len(s.items))
	out = append(out, s.items[s.next:]...)
	out = append(out, s.items[:s.next]...)
	return out
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
