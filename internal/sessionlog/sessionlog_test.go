package sessionlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/amanullahtanweer/mtranscribe/internal/transcript"
)

func readRecords(t *testing.T, path string) []record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}
	defer f.Close()

	var records []record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("invalid JSONL line %q: %v", scanner.Text(), err)
		}
		records = append(records, rec)
	}
	return records
}

func TestLoggerWritesJSONL(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	started := time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)

	l, err := New(dir, "0123456789abcdef", started)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	path := l.Path()
	if filepath.Base(path) != "20240304_093000_session_01234567.jsonl" {
		t.Errorf("unexpected filename %s", filepath.Base(path))
	}

	tr := transcript.New("", "", "")
	l.Follow(tr)

	l.LogSessionStart("deepgram", "audiosocket", started)
	l.LogState("capturing")
	tr.AppendStable("  hello there ", transcript.SourceTranscribed, "Speaker 0")
	tr.FinalizeTurn(transcript.SourceTranscribed)
	tr.UpdateInterim("", transcript.SourceTranscribed, "")
	tr.FinalizeTurn(transcript.SourceTranscribed) // removed, not logged
	l.LogExport("markdown", "out.md")
	l.LogError("notion", errors.New("boom"))
	l.LogSessionEnd(started.Add(time.Minute), "stopped")

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	l.LogState("idle") // ignored after close

	records := readRecords(t, path)
	events := make([]string, len(records))
	for i, rec := range records {
		events[i] = rec.Event
		if rec.SessionID != "0123456789abcdef" {
			t.Errorf("record %d has session %q", i, rec.SessionID)
		}
	}
	want := "session_start,capture_state,turn_finalized,export,error,session_end"
	if got := strings.Join(events, ","); got != want {
		t.Fatalf("unexpected events %s", got)
	}

	if records[0].Timestamp != "2024-03-04T09:30:00Z" || records[0].Details["provider"] != "deepgram" {
		t.Errorf("unexpected start record %+v", records[0])
	}
	if records[1].State != "capturing" {
		t.Errorf("unexpected state record %+v", records[1])
	}
	turn := records[2]
	if turn.Text != "hello there" || turn.Speaker != "Speaker 0" || turn.Source != "transcribed" || turn.TurnID == "" {
		t.Errorf("unexpected turn record %+v", turn)
	}
	if records[4].Details["error"] != "boom" {
		t.Errorf("unexpected error record %+v", records[4])
	}
	if l.Path() != "" {
		t.Error("expected empty path after close")
	}
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	l.Follow(transcript.New("", "", ""))
	l.LogState("capturing")
	l.LogError("start", errors.New("ignored"))
	if l.Path() != "" || l.Close() != nil {
		t.Error("nil logger must be a no-op")
	}
}
