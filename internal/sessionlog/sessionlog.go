package sessionlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/amanullahtanweer/mtranscribe/internal/transcript"
)

// Logger writes structured JSONL session logs to a file. A nil Logger
// discards everything.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	sessionID string
	now       func() time.Time
}

type record struct {
	Timestamp string            `json:"ts"`
	Event     string            `json:"event"`
	SessionID string            `json:"session_id"`
	TurnID    string            `json:"turn_id,omitempty"`
	Speaker   string            `json:"speaker,omitempty"`
	Source    string            `json:"source,omitempty"`
	Text      string            `json:"text,omitempty"`
	State     string            `json:"state,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// New creates a log under outputDir named by start time and session id.
func New(outputDir, sessionID string, started time.Time) (*Logger, error) {
	if outputDir == "" {
		outputDir = "."
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	shortID := sessionID
	if len(sessionID) > 8 {
		shortID = sessionID[:8]
	}
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_session_%s.jsonl", started.Format("20060102_150405"), shortID))
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Logger{file: f, sessionID: sessionID, now: time.Now}, nil
}

func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *Logger) write(rec record) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if rec.Timestamp == "" {
		rec.Timestamp = l.now().Format(time.RFC3339Nano)
	}
	rec.SessionID = l.sessionID
	rec.Text = strings.TrimSpace(rec.Text)
	_ = json.NewEncoder(l.file).Encode(rec)
}

func (l *Logger) LogSessionStart(provider, input string, started time.Time) {
	l.write(record{Timestamp: started.Format(time.RFC3339Nano), Event: "session_start", Details: map[string]string{"provider": provider, "input": input}})
}

func (l *Logger) LogSessionEnd(ended time.Time, reason string) {
	l.write(record{Timestamp: ended.Format(time.RFC3339Nano), Event: "session_end", Details: map[string]string{"reason": reason}})
}

// LogState records a capture state transition.
func (l *Logger) LogState(state string) {
	l.write(record{Event: "capture_state", State: state})
}

func (l *Logger) LogTurn(turn transcript.Turn) {
	l.write(record{
		Event:   "turn_finalized",
		TurnID:  turn.ID.String(),
		Speaker: turn.Speaker,
		Source:  string(turn.Source),
		Text:    turn.Content(),
	})
}

func (l *Logger) LogExport(target, location string) {
	l.write(record{Event: "export", Details: map[string]string{"target": target, "location": location}})
}

func (l *Logger) LogError(stage string, err error) {
	l.write(record{Event: "error", Details: map[string]string{"stage": stage, "error": err.Error()}})
}

// Follow records every finalized turn of t.
func (l *Logger) Follow(t *transcript.Transcript) {
	if l == nil {
		return
	}
	t.OnChange(func(ev transcript.Event) {
		if ev.Kind == transcript.EventTurnFinalized {
			l.LogTurn(ev.Turn)
		}
	})
}
