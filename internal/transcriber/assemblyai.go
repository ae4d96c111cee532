package transcriber

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/amanullahtanweer/mtranscribe/internal/metrics"
	"github.com/amanullahtanweer/mtranscribe/internal/transcript"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	AssemblyAIWebSocketURL = "wss://streaming.assemblyai.com/v3/ws"
	// AssemblyAI requires chunks between 50ms and 1000ms
	MinChunkDurationMs = 50
	MaxChunkDurationMs = 1000

	assemblyAISampleRate = 16000
)

// AssemblyAITranscriber streams 16-bit PCM to AssemblyAI's v3 streaming API.
// Unformatted turns update the interim text; a formatted turn is committed
// and closes the active turn.
type AssemblyAITranscriber struct {
	url          string
	apiKey       string
	sampleRate   int
	log          zerolog.Logger
	closeTimeout time.Duration

	mu         sync.Mutex
	transcript *transcript.Transcript
	conn       *websocket.Conn
	done       chan struct{}
	sessionID  string
	metrics    *metrics.SessionMetrics

	audioBuffer []byte
	bufferMu    sync.Mutex
	writeMu     sync.Mutex
	stopSending chan struct{}
	wg          sync.WaitGroup
}

// AssemblyAI message types
type AssemblyAIMessage struct {
	Type               string  `json:"type"`
	ID                 string  `json:"id,omitempty"`
	ExpiresAt          int64   `json:"expires_at,omitempty"`
	Transcript         string  `json:"transcript,omitempty"`
	EndOfTurn          bool    `json:"end_of_turn,omitempty"`
	TurnIsFormatted    bool    `json:"turn_is_formatted,omitempty"`
	AudioDurationSec   float64 `json:"audio_duration_seconds,omitempty"`
	SessionDurationSec float64 `json:"session_duration_seconds,omitempty"`
	Error              string  `json:"error,omitempty"`
}

func NewAssemblyAITranscriber(apiKey string, sampleRate int, log zerolog.Logger) (*AssemblyAITranscriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("assemblyai: %w", ErrMissingAPIKey)
	}

	return &AssemblyAITranscriber{
		url:        AssemblyAIWebSocketURL,
		apiKey:     apiKey,
		sampleRate:   sampleRate,
		log:          log.With().Str("provider", ProviderAssemblyAI).Logger(),
		closeTimeout: closeTimeout,
	}, nil
}

func (at *AssemblyAITranscriber) Attach(t *transcript.Transcript) {
	at.mu.Lock()
	defer at.mu.Unlock()
	at.transcript = t
}

func (at *AssemblyAITranscriber) Start(ctx context.Context) error {
	at.mu.Lock()
	tr := at.transcript
	at.mu.Unlock()
	if tr == nil {
		return ErrNoTranscript
	}

	url := fmt.Sprintf("%s?sample_rate=%d&format_turns=true", at.url, at.streamRate())

	header := http.Header{}
	header.Add("Authorization", at.apiKey)

	dialCtx, cancel := context.WithTimeout(ctx, deepgramOpenTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, header)
	if err != nil {
		if dialCtx.Err() == context.DeadlineExceeded {
			return ErrConnectTimeout
		}
		return fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	done := make(chan struct{})
	at.mu.Lock()
	at.conn = conn
	at.done = done
	at.metrics = metrics.NewSessionMetrics(ProviderAssemblyAI, uuid.NewString())
	at.mu.Unlock()

	at.bufferMu.Lock()
	at.audioBuffer = make([]byte, 0, 8000) // Buffer for ~100ms at 16kHz
	at.bufferMu.Unlock()
	at.stopSending = make(chan struct{})

	// Start result handler
	go at.handleResults(conn, tr, done)

	// Send buffered audio every 50ms to reduce latency
	at.wg.Add(1)
	go at.audioSender(conn)

	at.log.Info().Msg("AssemblyAI transcriber initialized")
	return nil
}

func (at *AssemblyAITranscriber) audioSender(conn *websocket.Conn) {
	defer at.wg.Done()

	// Send audio every 50ms to minimize latency while respecting AssemblyAI limits
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			at.sendBufferedAudio(conn)
		case <-at.stopSending:
			at.sendBufferedAudio(conn)
			return
		}
	}
}

func (at *AssemblyAITranscriber) sendBufferedAudio(conn *websocket.Conn) {
	at.bufferMu.Lock()
	defer at.bufferMu.Unlock()

	// At 16kHz, 16-bit audio (2 bytes per sample):
	// Min 50ms = 0.05 * 16000 * 2 = 1600 bytes
	// Max 950ms = 0.95 * 16000 * 2 = 30400 bytes (staying under 1000ms limit)
	const minChunkSize = 1600
	const maxChunkSize = 30400

	for len(at.audioBuffer) >= minChunkSize {
		chunkSize := len(at.audioBuffer)
		if chunkSize > maxChunkSize {
			chunkSize = maxChunkSize
		}

		chunk := at.audioBuffer[:chunkSize]

		at.writeMu.Lock()
		err := conn.WriteMessage(websocket.BinaryMessage, chunk)
		at.writeMu.Unlock()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				at.log.Warn().Err(err).Msg("Failed to send audio to AssemblyAI")
			}
			// Clear buffer on error to avoid infinite loop
			at.audioBuffer = at.audioBuffer[:0]
			return
		}

		at.audioBuffer = at.audioBuffer[chunkSize:]
	}
}

// streamRate is the rate announced to AssemblyAI. 8kHz input is upsampled to
// 16kHz in SendAudio; other rates are sent as recorded.
func (at *AssemblyAITranscriber) streamRate() int {
	if at.sampleRate == 8000 || at.sampleRate <= 0 {
		return assemblyAISampleRate
	}
	return at.sampleRate
}

// SendAudio buffers 16-bit little-endian PCM for the sender loop.
func (at *AssemblyAITranscriber) SendAudio(chunk []byte) {
	at.mu.Lock()
	conn := at.conn
	m := at.metrics
	at.mu.Unlock()

	if conn == nil {
		at.log.Warn().Msg("Cannot send audio: connection not established")
		return
	}

	processed := chunk
	if at.sampleRate == 8000 {
		processed = resample8to16(chunk)
	}

	at.bufferMu.Lock()
	at.audioBuffer = append(at.audioBuffer, processed...)
	at.bufferMu.Unlock()

	m.AddAudioChunk(len(chunk))
}

// Simple upsampling from 8kHz to 16kHz (linear interpolation)
func resample8to16(input []byte) []byte {
	samples := make([]int16, len(input)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(input[i*2 : i*2+2]))
	}

	upsampled := make([]int16, len(samples)*2)
	for i := 0; i < len(samples)-1; i++ {
		upsampled[i*2] = samples[i]
		upsampled[i*2+1] = int16((int32(samples[i]) + int32(samples[i+1])) / 2)
	}
	if len(samples) > 0 {
		upsampled[len(upsampled)-2] = samples[len(samples)-1]
		upsampled[len(upsampled)-1] = samples[len(samples)-1]
	}

	output := make([]byte, len(upsampled)*2)
	for i, sample := range upsampled {
		binary.LittleEndian.PutUint16(output[i*2:i*2+2], uint16(sample))
	}

	return output
}

func (at *AssemblyAITranscriber) handleResults(conn *websocket.Conn, tr *transcript.Transcript, done chan struct{}) {
	defer close(done)

	at.mu.Lock()
	m := at.metrics
	at.mu.Unlock()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.AddError()
				at.log.Error().Err(err).Msg("AssemblyAI WebSocket error")
			}
			return
		}

		var msg AssemblyAIMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			at.log.Warn().Err(err).Msg("Failed to parse AssemblyAI message")
			continue
		}

		switch msg.Type {
		case "Begin":
			at.mu.Lock()
			at.sessionID = msg.ID
			at.mu.Unlock()
			at.log.Info().Str("session", msg.ID).Msg("AssemblyAI session started")

		case "Turn":
			if msg.Transcript == "" {
				continue
			}
			if msg.TurnIsFormatted {
				m.AddTranscriptResult(true)
				tr.AppendStable(msg.Transcript+" ", transcript.SourceTranscribed, "")
				tr.FinalizeTurn(transcript.SourceTranscribed)
			} else {
				m.AddTranscriptResult(false)
				tr.UpdateInterim(msg.Transcript, transcript.SourceTranscribed, "")
			}

		case "Termination":
			at.log.Info().
				Float64("audio_duration_s", msg.AudioDurationSec).
				Float64("session_duration_s", msg.SessionDurationSec).
				Msg("AssemblyAI session terminated")
			return

		case "Error":
			m.AddError()
			at.log.Error().Str("error", msg.Error).Msg("AssemblyAI error")
		}
	}
}

// Stop flushes buffered audio, sends Terminate and waits for the session to
// end so the last formatted turn reaches the transcript.
func (at *AssemblyAITranscriber) Stop() {
	at.mu.Lock()
	conn, done, m := at.conn, at.done, at.metrics
	at.conn, at.done = nil, nil
	at.mu.Unlock()

	if conn == nil {
		return
	}

	close(at.stopSending)
	at.wg.Wait()

	// Send any remaining audio in buffer (even if less than minimum)
	at.bufferMu.Lock()
	if len(at.audioBuffer) > 0 {
		at.writeMu.Lock()
		_ = conn.WriteMessage(websocket.BinaryMessage, at.audioBuffer)
		at.writeMu.Unlock()
		at.audioBuffer = at.audioBuffer[:0]
	}
	at.bufferMu.Unlock()

	msgBytes, err := json.Marshal(AssemblyAIMessage{Type: "Terminate"})
	if err == nil {
		at.writeMu.Lock()
		_ = conn.WriteMessage(websocket.TextMessage, msgBytes)
		at.writeMu.Unlock()
	}

	timer := time.NewTimer(at.closeTimeout)
	select {
	case <-done:
	case <-timer.C:
		at.log.Warn().Msg("AssemblyAI did not terminate the session in time")
	}
	timer.Stop()
	conn.Close()

	m.Finalize()
	at.log.Debug().Msg(m.Summary())
}
