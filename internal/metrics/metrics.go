package metrics

import (
	"fmt"
	"sync"
	"time"
)

// SessionMetrics counts what a capture session sent to and received from a
// transcription provider.
type SessionMetrics struct {
	Provider        string
	SessionID       string
	StartTime       time.Time
	EndTime         time.Time
	AudioBytes      int
	ChunksSent      int
	ChunksDropped   int
	InterimCount    int
	FinalCount      int
	UtteranceEnds   int
	Errors          int
	FirstResultTime *time.Time
	mu              sync.Mutex
}

func NewSessionMetrics(provider, sessionID string) *SessionMetrics {
	return &SessionMetrics{
		Provider:  provider,
		SessionID: sessionID,
		StartTime: time.Now(),
	}
}

// AddAudioChunk records a chunk forwarded to the provider.
func (m *SessionMetrics) AddAudioChunk(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AudioBytes += bytes
	m.ChunksSent++
}

// AddDroppedChunk records a chunk discarded because no connection was open.
func (m *SessionMetrics) AddDroppedChunk() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChunksDropped++
}

func (m *SessionMetrics) AddTranscriptResult(isFinal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FirstResultTime == nil {
		now := time.Now()
		m.FirstResultTime = &now
	}

	if isFinal {
		m.FinalCount++
	} else {
		m.InterimCount++
	}
}

func (m *SessionMetrics) AddUtteranceEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UtteranceEnds++
}

func (m *SessionMetrics) AddError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors++
}

func (m *SessionMetrics) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EndTime.IsZero() {
		m.EndTime = time.Now()
	}
}

// Snapshot returns a copy safe to read without holding the lock.
func (m *SessionMetrics) Snapshot() SessionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SessionMetrics{
		Provider:        m.Provider,
		SessionID:       m.SessionID,
		StartTime:       m.StartTime,
		EndTime:         m.EndTime,
		AudioBytes:      m.AudioBytes,
		ChunksSent:      m.ChunksSent,
		ChunksDropped:   m.ChunksDropped,
		InterimCount:    m.InterimCount,
		FinalCount:      m.FinalCount,
		UtteranceEnds:   m.UtteranceEnds,
		Errors:          m.Errors,
		FirstResultTime: m.FirstResultTime,
	}
}

func (m *SessionMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := m.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	duration := end.Sub(m.StartTime)
	var latency time.Duration
	if m.FirstResultTime != nil {
		latency = m.FirstResultTime.Sub(m.StartTime)
	}

	return fmt.Sprintf(
		"Provider: %s\n"+
			"Session: %s\n"+
			"Duration: %v\n"+
			"Audio Bytes: %d\n"+
			"Chunks Sent: %d\n"+
			"Chunks Dropped: %d\n"+
			"First Result Latency: %v\n"+
			"Interim Results: %d\n"+
			"Final Results: %d\n"+
			"Utterance Ends: %d\n"+
			"Errors: %d\n",
		m.Provider,
		m.SessionID,
		duration,
		m.AudioBytes,
		m.ChunksSent,
		m.ChunksDropped,
		latency,
		m.InterimCount,
		m.FinalCount,
		m.UtteranceEnds,
		m.Errors,
	)
}
