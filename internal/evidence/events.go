package evidence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"specdrive/internal/models"
)

// Event is one line of the per-spec events.jsonl file.
type Event struct {
	SchemaVersion string              `json:"schema_version"`
	Timestamp     string              `json:"timestamp"` // RFC3339 UTC
	SpecID        string              `json:"spec_id"`
	RunID         int64               `json:"run_id"`
	Routing       models.RoutingEvent `json:"routing"`
}

const eventSchemaVersion = "1"

// EventLog appends routing, arbitration, and retrieval diagnostics to an
// append-only JSONL file. Writes are serialized per log; readers take
// whole-file snapshots and need no lock.
type EventLog struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewEventLog(specDir string) *EventLog {
	return &EventLog{
		path: filepath.Join(specDir, "events.jsonl"),
		now:  time.Now,
	}
}

// Append writes one event. Best-effort: callers typically log the error and
// continue, since the event stream is diagnostic, not load-bearing.
func (l *EventLog) Append(specID string, runID int64, routing models.RoutingEvent) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Event{
		SchemaVersion: eventSchemaVersion,
		Timestamp:     l.now().UTC().Format(time.RFC3339),
		SpecID:        specID,
		RunID:         runID,
		Routing:       routing,
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// Read returns a snapshot of all events in the log.
func (l *EventLog) Read() ([]Event, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []Event
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
