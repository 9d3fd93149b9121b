package evidence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"specdrive/internal/models"
)

func TestWriteTelemetryNaming(t *testing.T) {
	store := NewStore(t.TempDir())

	path, err := store.WriteTelemetry("spec-1", models.StagePlan, 7, []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("WriteTelemetry: %v", err)
	}
	name := filepath.Base(path)
	if !strings.HasPrefix(name, "plan-") || !strings.HasSuffix(name, "-run000007.json") {
		t.Errorf("unexpected telemetry name %q", name)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("telemetry file missing: %v", err)
	}
}

func TestLatestTelemetryIsLexicographicLast(t *testing.T) {
	store := NewStore(t.TempDir())

	if _, err := store.WriteTelemetry("spec-1", models.StagePlan, 1, []byte(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}
	// Distinct timestamps guarantee distinct, ordered names.
	time.Sleep(2 * time.Millisecond)
	if _, err := store.WriteTelemetry("spec-1", models.StagePlan, 2, []byte(`{"n":2}`)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := store.WriteTelemetry("spec-1", models.StageTasks, 3, []byte(`{"n":3}`)); err != nil {
		t.Fatal(err)
	}

	path, data, err := store.LatestTelemetry("spec-1", models.StagePlan)
	if err != nil {
		t.Fatalf("LatestTelemetry: %v", err)
	}
	if !strings.Contains(string(data), `"n":2`) {
		t.Errorf("latest plan telemetry = %s (%s), want the second write", data, path)
	}
}

func TestLatestTelemetryNone(t *testing.T) {
	store := NewStore(t.TempDir())
	path, data, err := store.LatestTelemetry("spec-1", models.StagePlan)
	if err != nil || path != "" || data != nil {
		t.Errorf("no telemetry: got (%q, %v, %v), want empty", path, data, err)
	}
}

func TestWriteArtifactSnapshot(t *testing.T) {
	store := NewStore(t.TempDir())
	a := &models.ConsensusArtifact{
		SpecID:  "spec-1",
		Stage:   models.StageValidate,
		Version: 3,
	}
	path, err := store.WriteArtifactSnapshot(a)
	if err != nil {
		t.Fatalf("WriteArtifactSnapshot: %v", err)
	}
	if filepath.Base(path) != "consensus-validate-v0003.json" {
		t.Errorf("unexpected snapshot name %q", filepath.Base(path))
	}
}

func TestEventLogAppendAndRead(t *testing.T) {
	log := NewEventLog(t.TempDir())

	for i := 0; i < 3; i++ {
		err := log.Append("spec-1", 1, models.RoutingEvent{
			EventType: models.EventRouting,
			Role:      "agent-a",
			Reason:    "completed",
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := log.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].SchemaVersion != "1" || events[0].SpecID != "spec-1" {
		t.Errorf("unexpected event envelope: %+v", events[0])
	}
}

func TestEventLogSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	log := NewEventLog(dir)
	if err := log.Append("spec-1", 1, models.RoutingEvent{EventType: models.EventRouting}); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{corrupt\n")
	f.Close()

	if err := log.Append("spec-1", 1, models.RoutingEvent{EventType: models.EventArbitration}); err != nil {
		t.Fatal(err)
	}

	events, err := log.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("corrupt line should be skipped, got %d events", len(events))
	}
}
