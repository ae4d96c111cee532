package transcriber

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/amanullahtanweer/mtranscribe/internal/metrics"
	"github.com/amanullahtanweer/mtranscribe/internal/transcript"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const deepgramOpenTimeout = 10 * time.Second

// Deepgram streams audio to Deepgram's live transcription API and maps its
// events onto the attached transcript:
//
//   - interim results replace the active turn's interim text, attributed to
//     the diarized speaker of the first word;
//   - final results are committed, one AppendStable per run of words from the
//     same speaker;
//   - UtteranceEnd closes the active turn.
type Deepgram struct {
	creds       Credentials
	options     LiveOptions
	connect     Connector
	log          zerolog.Logger
	openTimeout  time.Duration
	closeTimeout time.Duration

	mu         sync.Mutex
	transcript *transcript.Transcript
	conn       LiveConnection
	closed     chan struct{}
	metrics    *metrics.SessionMetrics
}

func NewDeepgram(creds Credentials, options LiveOptions, connect Connector, log zerolog.Logger) *Deepgram {
	return &Deepgram{
		creds:       creds,
		options:     options,
		connect:     connect,
		log:         log.With().Str("provider", ProviderDeepgram).Logger(),
		openTimeout:  deepgramOpenTimeout,
		closeTimeout: closeTimeout,
	}
}

func (d *Deepgram) Attach(t *transcript.Transcript) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transcript = t
}

// Metrics returns the counters of the current or last session.
func (d *Deepgram) Metrics() *metrics.SessionMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metrics
}

// Start opens the live connection and waits until the service reports it
// open, an error, or the open timeout elapses.
func (d *Deepgram) Start(ctx context.Context) error {
	apiKey := d.creds.DeepgramAPIKey()
	if apiKey == "" {
		return fmt.Errorf("deepgram: %w", ErrMissingAPIKey)
	}

	d.mu.Lock()
	tr := d.transcript
	d.mu.Unlock()
	if tr == nil {
		return ErrNoTranscript
	}

	conn, err := d.connect(apiKey, d.options, d.log)
	if err != nil {
		return fmt.Errorf("failed to create Deepgram connection: %w", err)
	}

	sessionMetrics := metrics.NewSessionMetrics(ProviderDeepgram, uuid.NewString())
	opened := make(chan struct{})
	failed := make(chan error, 1)
	var (
		openOnce  sync.Once
		closeOnce sync.Once
		startMu   sync.Mutex
		started   bool
	)
	closed := make(chan struct{})

	conn.On(EventOpen, func(LiveEvent) {
		d.log.Info().Msg("Deepgram connection opened")
		startMu.Lock()
		started = true
		startMu.Unlock()
		openOnce.Do(func() { close(opened) })
	})
	conn.On(EventTranscript, func(ev LiveEvent) {
		d.handleResult(tr, sessionMetrics, ev.Result)
	})
	conn.On(EventUtteranceEnd, func(LiveEvent) {
		sessionMetrics.AddUtteranceEnd()
		tr.FinalizeTurn(transcript.SourceTranscribed)
	})
	conn.On(EventError, func(ev LiveEvent) {
		startMu.Lock()
		running := started
		startMu.Unlock()
		if !running {
			select {
			case failed <- ev.Err:
			default:
			}
			return
		}
		// mid-stream errors do not end the capture session
		sessionMetrics.AddError()
		d.log.Error().Err(ev.Err).Msg("Deepgram error")
	})
	conn.On(EventClose, func(LiveEvent) {
		d.log.Info().Msg("Deepgram connection closed")
		closeOnce.Do(func() { close(closed) })
	})

	d.mu.Lock()
	d.conn = conn
	d.closed = closed
	d.metrics = sessionMetrics
	d.mu.Unlock()

	conn.Dial(ctx)

	timer := time.NewTimer(d.openTimeout)
	defer timer.Stop()

	select {
	case <-opened:
		return nil
	case err := <-failed:
		d.stop(false)
		return err
	case <-timer.C:
		d.stop(false)
		return ErrConnectTimeout
	case <-ctx.Done():
		d.stop(false)
		return ctx.Err()
	}
}

func (d *Deepgram) handleResult(tr *transcript.Transcript, m *metrics.SessionMetrics, result *LiveResult) {
	if result == nil || len(result.Channel.Alternatives) == 0 {
		return
	}
	alt := result.Channel.Alternatives[0]
	words := alt.Words

	if !result.IsFinal {
		if alt.Transcript == "" {
			return
		}
		m.AddTranscriptResult(false)
		speaker := ""
		if len(words) > 0 {
			speaker = speakerLabel(words[0])
		}
		tr.UpdateInterim(alt.Transcript, transcript.SourceTranscribed, speaker)
		return
	}

	if len(words) == 0 {
		if alt.Transcript != "" {
			m.AddTranscriptResult(true)
			tr.AppendStable(alt.Transcript+" ", transcript.SourceTranscribed, "")
		}
		return
	}

	m.AddTranscriptResult(true)

	// One stable append per contiguous run of the same speaker, so a final
	// result spanning a speaker change yields separate turns. A,B,A gives
	// three runs; the two A runs are not merged.
	var run strings.Builder
	runSpeaker := ""
	for i, w := range words {
		speaker := speakerLabel(w)
		if i > 0 && speaker != runSpeaker && run.Len() > 0 {
			tr.AppendStable(run.String(), transcript.SourceTranscribed, runSpeaker)
			run.Reset()
		}
		runSpeaker = speaker

		token := w.PunctuatedWord
		if token == "" {
			token = w.Word
		}
		run.WriteString(token)
		run.WriteString(" ")
	}
	if run.Len() > 0 {
		tr.AppendStable(run.String(), transcript.SourceTranscribed, runSpeaker)
	}
}

func speakerLabel(w Word) string {
	if w.Speaker == nil {
		return ""
	}
	return fmt.Sprintf("Speaker %d", *w.Speaker)
}

// SendAudio forwards one recorded chunk. Without an open connection the chunk
// is dropped and logged.
func (d *Deepgram) SendAudio(chunk []byte) {
	d.mu.Lock()
	conn := d.conn
	m := d.metrics
	d.mu.Unlock()

	if conn == nil {
		d.log.Warn().Msg("Cannot send audio: connection not established")
		if m != nil {
			m.AddDroppedChunk()
		}
		return
	}

	if err := conn.Send(chunk); err != nil {
		d.log.Warn().Err(err).Msg("Failed to send audio to Deepgram")
		m.AddDroppedChunk()
		return
	}
	m.AddAudioChunk(len(chunk))
}

// Stop requests a graceful close and waits for the service to flush its
// last results and close the stream. It is safe to call without a connection.
func (d *Deepgram) Stop() {
	d.stop(true)
}

func (d *Deepgram) stop(wait bool) {
	d.mu.Lock()
	conn, closed, m := d.conn, d.closed, d.metrics
	d.conn, d.closed = nil, nil
	d.mu.Unlock()

	if conn == nil {
		return
	}
	conn.RequestClose()

	if wait && closed != nil {
		timer := time.NewTimer(d.closeTimeout)
		select {
		case <-closed:
		case <-timer.C:
			d.log.Warn().Msg("Deepgram did not close the stream in time")
		}
		timer.Stop()
	}

	if m != nil {
		m.Finalize()
		d.log.Debug().Str("session", m.SessionID).Msg(m.Summary())
	}
}
