package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoDevice is returned when no capture device can satisfy a request.
	ErrNoDevice = errors.New("audio: no capture device available")
	// ErrUnsupportedMimeType is returned by NewRecorder for an encoding the
	// device cannot produce.
	ErrUnsupportedMimeType = errors.New("audio: unsupported mime type")
	// ErrRecorderActive is returned when Start is called on a running recorder.
	ErrRecorderActive = errors.New("audio: recorder already started")
)

// Constraints select what RequestStream should acquire.
type Constraints struct {
	Audio bool
}

// Devices is the capture capability: stream acquisition, recording and the
// supported encodings.
type Devices interface {
	RequestStream(ctx context.Context, c Constraints) (Stream, error)
	NewRecorder(s Stream, mimeType string) (Recorder, error)
	IsTypeSupported(mimeType string) bool
}

type TrackKind string

const TrackAudio TrackKind = "audio"

// Track is one media track of a stream. A disabled track keeps running but
// contributes silence.
type Track interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

type Stream interface {
	ID() string
	Tracks() []Track
	AudioTracks() []Track
}

// Ender is implemented by streams that can end on their own, such as a call
// that hangs up or a file that runs out.
type Ender interface {
	Done() <-chan struct{}
}

type RecorderState string

const (
	RecorderInactive  RecorderState = "inactive"
	RecorderRecording RecorderState = "recording"
)

// Recorder cuts a stream into chunks, one per timeslice.
type Recorder interface {
	Start(timeslice time.Duration) error
	Stop()
	State() RecorderState
	MimeType() string
	OnData(fn func(chunk []byte))
}

// PreferredMimeTypes is the encoding preference order used for recording.
var PreferredMimeTypes = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/ogg;codecs=opus",
	"audio/ogg",
	"audio/mp4",
	"audio/wav",
}

// PreferredMimeType returns the first preferred encoding the devices support,
// or "" to let the recorder pick its default.
func PreferredMimeType(d Devices) string {
	for _, mimeType := range PreferredMimeTypes {
		if d.IsTypeSupported(mimeType) {
			return mimeType
		}
	}
	return ""
}

// mediaTrack is the Track shared by the concrete devices.
type mediaTrack struct {
	kind TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
	onStop  func()
}

func newMediaTrack(kind TrackKind, onStop func()) *mediaTrack {
	return &mediaTrack{kind: kind, enabled: true, onStop: onStop}
}

func (t *mediaTrack) Kind() TrackKind { return t.kind }

func (t *mediaTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *mediaTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// Stop ends the track. Only the first call runs the device teardown.
func (t *mediaTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	onStop := t.onStop
	t.mu.Unlock()

	if onStop != nil {
		onStop()
	}
}

func (t *mediaTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// chunkEmitter holds the OnData callback of a recorder.
type chunkEmitter struct {
	mu sync.Mutex
	fn func([]byte)
}

func (e *chunkEmitter) set(fn func([]byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fn = fn
}

func (e *chunkEmitter) emit(chunk []byte) {
	e.mu.Lock()
	fn := e.fn
	e.mu.Unlock()
	if fn != nil && len(chunk) > 0 {
		fn(chunk)
	}
}
