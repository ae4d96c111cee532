package metrics

import (
	"strings"
	"testing"
)

func TestSessionMetrics(t *testing.T) {
	m := NewSessionMetrics("deepgram", "abc")

	m.AddAudioChunk(100)
	m.AddAudioChunk(50)
	m.AddDroppedChunk()
	m.AddTranscriptResult(false)
	m.AddTranscriptResult(false)
	m.AddTranscriptResult(true)
	m.AddUtteranceEnd()
	m.Finalize()

	snap := m.Snapshot()
	if snap.AudioBytes != 150 || snap.ChunksSent != 2 {
		t.Errorf("Unexpected audio counters: %d bytes, %d chunks", snap.AudioBytes, snap.ChunksSent)
	}
	if snap.ChunksDropped != 1 {
		t.Errorf("Expected 1 dropped chunk, got %d", snap.ChunksDropped)
	}
	if snap.InterimCount != 2 || snap.FinalCount != 1 {
		t.Errorf("Unexpected result counters: %d interim, %d final", snap.InterimCount, snap.FinalCount)
	}
	if snap.FirstResultTime == nil {
		t.Error("Expected first result time to be recorded")
	}
	if snap.EndTime.IsZero() {
		t.Error("Expected end time after Finalize")
	}

	summary := m.Summary()
	for _, want := range []string{"Provider: deepgram", "Session: abc", "Final Results: 1"} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary missing %q:\n%s", want, summary)
		}
	}
}
