package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amanullahtanweer/mtranscribe/internal/transcriber"
	"github.com/amanullahtanweer/mtranscribe/internal/transcript"
	"github.com/rs/zerolog"
)

// State is the capture session state.
type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
	StateMuted     State = "muted"
)

// DefaultTimeslice is how much audio each recorded chunk holds.
const DefaultTimeslice = 250 * time.Millisecond

// CaptureController owns one capture session: the acquired stream, its
// recorder and the transcriber the chunks are forwarded to.
type CaptureController struct {
	devices   Devices
	factory   transcriber.Factory
	log       zerolog.Logger
	timeslice time.Duration

	mu          sync.Mutex
	state       State
	transcript  *transcript.Transcript
	transcriber transcriber.Transcriber
	stream      Stream
	recorder    Recorder
	cancelStart context.CancelFunc
	listeners   []func(State)
}

func NewCaptureController(devices Devices, factory transcriber.Factory, t *transcript.Transcript, log zerolog.Logger) *CaptureController {
	return &CaptureController{
		devices:    devices,
		factory:    factory,
		log:        log,
		timeslice:  DefaultTimeslice,
		state:      StateIdle,
		transcript: t,
	}
}

// OnStateChange registers fn to be called after every state transition.
func (c *CaptureController) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *CaptureController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stream returns the acquired stream, nil while idle.
func (c *CaptureController) Stream() Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *CaptureController) Transcript() *transcript.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript
}

// Start acquires a stream, starts the transcriber and begins recording. It is
// a no-op unless the controller is idle. On failure everything acquired so
// far is released and the controller stays idle.
func (c *CaptureController) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle || c.cancelStart != nil {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancelStart = cancel
	// the prepared transcriber belongs to this attempt until it commits
	prepared := c.transcriber
	c.transcriber = nil
	t := c.transcript
	c.mu.Unlock()
	defer cancel()

	stream, tr, rec, err := c.acquire(ctx, t, prepared)

	c.mu.Lock()
	c.cancelStart = nil
	if err == nil && ctx.Err() != nil {
		// stopped while starting
		err = ctx.Err()
	}
	if err != nil {
		c.mu.Unlock()
		release(rec, tr, stream)
		c.log.Warn().Err(err).Msg("Failed to start capture")
		return err
	}
	c.stream = stream
	c.transcriber = tr
	c.recorder = rec
	c.state = StateCapturing
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	c.log.Info().Str("stream", stream.ID()).Str("mime", rec.MimeType()).Msg("Capture started")
	notify(listeners, StateCapturing)
	return nil
}

func (c *CaptureController) acquire(ctx context.Context, t *transcript.Transcript, tr transcriber.Transcriber) (Stream, transcriber.Transcriber, Recorder, error) {
	stream, err := c.devices.RequestStream(ctx, Constraints{Audio: true})
	if err != nil {
		return nil, tr, nil, fmt.Errorf("failed to acquire audio stream: %w", err)
	}

	if tr == nil {
		tr, err = c.factory(t)
		if err != nil {
			return stream, nil, nil, fmt.Errorf("failed to create transcriber: %w", err)
		}
	}

	if err := tr.Start(ctx); err != nil {
		return stream, tr, nil, err
	}

	rec, err := c.devices.NewRecorder(stream, PreferredMimeType(c.devices))
	if err != nil {
		return stream, tr, nil, fmt.Errorf("failed to create recorder: %w", err)
	}
	rec.OnData(func(chunk []byte) {
		c.forward(tr, chunk)
	})
	if err := rec.Start(c.timeslice); err != nil {
		return stream, tr, rec, fmt.Errorf("failed to start recorder: %w", err)
	}

	return stream, tr, rec, nil
}

// forward hands a chunk to the session's transcriber only while capturing.
func (c *CaptureController) forward(tr transcriber.Transcriber, chunk []byte) {
	c.mu.Lock()
	capturing := c.state == StateCapturing && c.transcriber == tr
	c.mu.Unlock()

	if !capturing {
		return
	}
	tr.SendAudio(chunk)
}

// Stop releases the recorder, the transcriber and every track. It never
// fails, is idempotent and cancels a Start still in flight.
func (c *CaptureController) Stop() {
	c.mu.Lock()
	if c.cancelStart != nil {
		c.cancelStart()
	}
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	rec, tr, stream := c.recorder, c.transcriber, c.stream
	c.recorder, c.transcriber, c.stream = nil, nil, nil
	c.state = StateIdle
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	release(rec, tr, stream)
	c.log.Info().Msg("Capture stopped")
	notify(listeners, StateIdle)
}

// Mute disables every audio track. The recorder keeps running.
func (c *CaptureController) Mute() {
	c.setMuted(true)
}

func (c *CaptureController) Unmute() {
	c.setMuted(false)
}

func (c *CaptureController) setMuted(muted bool) {
	from, to := StateCapturing, StateMuted
	if !muted {
		from, to = StateMuted, StateCapturing
	}

	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return
	}
	for _, track := range c.stream.AudioTracks() {
		track.SetEnabled(!muted)
	}
	c.state = to
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	c.log.Debug().Str("state", string(to)).Msg("Capture state changed")
	notify(listeners, to)
}

// SetTranscript rebinds the controller to t. An active capture is stopped
// and the transcriber is rebuilt for t; capture is not restarted.
func (c *CaptureController) SetTranscript(t *transcript.Transcript) error {
	c.Stop()

	c.mu.Lock()
	old := c.transcriber
	c.transcriber = nil
	c.transcript = t
	c.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	tr, err := c.factory(t)
	if err != nil {
		return fmt.Errorf("failed to create transcriber: %w", err)
	}

	c.mu.Lock()
	if c.transcript != t || c.transcriber != nil {
		// rebound again meanwhile
		c.mu.Unlock()
		tr.Stop()
		return nil
	}
	c.transcriber = tr
	c.mu.Unlock()
	return nil
}

func (c *CaptureController) snapshotListenersLocked() []func(State) {
	return append([]func(State)(nil), c.listeners...)
}

func notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}

func release(rec Recorder, tr transcriber.Transcriber, stream Stream) {
	if rec != nil {
		rec.Stop()
	}
	if tr != nil {
		tr.Stop()
	}
	if stream != nil {
		for _, track := range stream.Tracks() {
			track.Stop()
		}
	}
}
