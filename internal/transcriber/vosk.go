package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/amanullahtanweer/mtranscribe/internal/metrics"
	"github.com/amanullahtanweer/mtranscribe/internal/transcript"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// VoskTranscriber streams PCM to a vosk-server websocket. Vosk has no
// diarization, so every result is attributed to the default speaker.
type VoskTranscriber struct {
	serverURL    string
	sampleRate   int
	log          zerolog.Logger
	closeTimeout time.Duration

	mu         sync.Mutex
	writeMu    sync.Mutex
	transcript *transcript.Transcript
	conn       *websocket.Conn
	done       chan struct{}
	metrics    *metrics.SessionMetrics
}

type VoskResult struct {
	Text   string `json:"text"`
	Result []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Conf  float64 `json:"conf"`
	} `json:"result"`
	Partial string `json:"partial"`
}

func NewVoskTranscriber(serverURL string, sampleRate int, log zerolog.Logger) *VoskTranscriber {
	return &VoskTranscriber{
		serverURL:  serverURL,
		sampleRate:   sampleRate,
		log:          log.With().Str("provider", ProviderVosk).Logger(),
		closeTimeout: closeTimeout,
	}
}

func (vt *VoskTranscriber) Attach(t *transcript.Transcript) {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	vt.transcript = t
}

func (vt *VoskTranscriber) Start(ctx context.Context) error {
	vt.mu.Lock()
	tr := vt.transcript
	vt.mu.Unlock()
	if tr == nil {
		return ErrNoTranscript
	}

	dialCtx, cancel := context.WithTimeout(ctx, deepgramOpenTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/ws?sample_rate=%d", vt.serverURL, vt.sampleRate)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		if dialCtx.Err() == context.DeadlineExceeded {
			return ErrConnectTimeout
		}
		return fmt.Errorf("failed to connect to Vosk server: %w", err)
	}

	// vosk-server expects the sample rate in a config message before audio
	config := map[string]any{"config": map[string]any{"sample_rate": vt.sampleRate}}
	if err := conn.WriteJSON(config); err != nil {
		conn.Close()
		return fmt.Errorf("failed to configure Vosk: %w", err)
	}

	m := metrics.NewSessionMetrics(ProviderVosk, uuid.NewString())
	done := make(chan struct{})
	vt.mu.Lock()
	vt.conn = conn
	vt.done = done
	vt.metrics = m
	vt.mu.Unlock()

	go vt.handleResults(conn, tr, m, done)
	return nil
}

func (vt *VoskTranscriber) SendAudio(chunk []byte) {
	vt.mu.Lock()
	conn := vt.conn
	m := vt.metrics
	vt.mu.Unlock()

	if conn == nil {
		vt.log.Warn().Msg("Cannot send audio: connection not established")
		return
	}

	vt.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, chunk)
	vt.writeMu.Unlock()
	if err != nil {
		vt.log.Warn().Err(err).Msg("Failed to send audio to Vosk")
		m.AddDroppedChunk()
		return
	}
	m.AddAudioChunk(len(chunk))
}

func (vt *VoskTranscriber) handleResults(conn *websocket.Conn, tr *transcript.Transcript, m *metrics.SessionMetrics, done chan struct{}) {
	defer close(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.AddError()
				vt.log.Error().Err(err).Msg("Vosk WebSocket error")
			}
			return
		}

		var result VoskResult
		if err := json.Unmarshal(message, &result); err != nil {
			vt.log.Warn().Err(err).Msg("Failed to parse Vosk result")
			continue
		}

		if result.Partial != "" {
			m.AddTranscriptResult(false)
			tr.UpdateInterim(result.Partial, transcript.SourceTranscribed, "")
		}

		// a non-empty text is a finished utterance
		if result.Text != "" {
			m.AddTranscriptResult(true)
			tr.AppendStable(result.Text+" ", transcript.SourceTranscribed, "")
			tr.FinalizeTurn(transcript.SourceTranscribed)
		}
	}
}

// Stop sends eof and waits for vosk-server to deliver the final result and
// close the socket.
func (vt *VoskTranscriber) Stop() {
	vt.mu.Lock()
	conn, done, m := vt.conn, vt.done, vt.metrics
	vt.conn, vt.done = nil, nil
	vt.mu.Unlock()

	if conn == nil {
		return
	}

	// Send EOF to Vosk to get final results
	vt.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, []byte(`{"eof": 1}`))
	vt.writeMu.Unlock()
	if err != nil {
		vt.log.Warn().Err(err).Msg("Failed to send EOF to Vosk")
	} else {
		timer := time.NewTimer(vt.closeTimeout)
		select {
		case <-done:
		case <-timer.C:
			vt.log.Warn().Msg("Vosk did not close the stream in time")
		}
		timer.Stop()
	}

	conn.Close()
	m.Finalize()
	vt.log.Debug().Msg(m.Summary())
}
