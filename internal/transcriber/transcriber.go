package transcriber

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amanullahtanweer/mtranscribe/internal/transcript"
	"github.com/rs/zerolog"
)

// Transcriber is the common interface for all transcription providers.
// Implementations push provider results into the attached transcript.
//
// Stop asks the provider to flush and returns once its final results have
// been delivered to the transcript or closeTimeout has elapsed.
type Transcriber interface {
	Attach(t *transcript.Transcript)
	Start(ctx context.Context) error
	SendAudio(chunk []byte)
	Stop()
}

// closeTimeout bounds how long Stop waits for a provider to flush.
const closeTimeout = 3 * time.Second

// Factory builds a transcriber already attached to t.
type Factory func(t *transcript.Transcript) (Transcriber, error)

var (
	ErrMissingAPIKey   = errors.New("transcriber: API key is not configured")
	ErrNoTranscript    = errors.New("transcriber: no transcript attached")
	ErrConnectTimeout  = errors.New("transcriber: connection timeout")
	ErrUnknownProvider = errors.New("transcriber: unknown provider")
)

const (
	ProviderDeepgram   = "deepgram"
	ProviderAssemblyAI = "assemblyai"
	ProviderVosk       = "vosk"
)

// Credentials supplies the Deepgram key at connect time, so a key saved in
// settings applies to the next session without rebuilding the factory.
type Credentials interface {
	DeepgramAPIKey() string
}

// StaticKey is a fixed Deepgram key.
type StaticKey string

func (k StaticKey) DeepgramAPIKey() string { return string(k) }

type Options struct {
	Provider         string
	Credentials      Credentials
	AssemblyAIAPIKey string
	VoskServerURL    string
	SampleRate       int
	Live             LiveOptions
	Logger           zerolog.Logger
}

// NewFactory selects the provider once; every transcriber it builds talks to
// that provider.
func NewFactory(opts Options) (Factory, error) {
	switch opts.Provider {
	case ProviderDeepgram, "":
		creds := opts.Credentials
		if creds == nil {
			creds = StaticKey("")
		}
		live := opts.Live.withDefaults()
		return func(t *transcript.Transcript) (Transcriber, error) {
			dg := NewDeepgram(creds, live, DialLive, opts.Logger)
			dg.Attach(t)
			return dg, nil
		}, nil

	case ProviderAssemblyAI:
		return func(t *transcript.Transcript) (Transcriber, error) {
			at, err := NewAssemblyAITranscriber(opts.AssemblyAIAPIKey, opts.SampleRate, opts.Logger)
			if err != nil {
				return nil, err
			}
			at.Attach(t)
			return at, nil
		}, nil

	case ProviderVosk:
		if opts.VoskServerURL == "" {
			return nil, fmt.Errorf("vosk server url is required")
		}
		return func(t *transcript.Transcript) (Transcriber, error) {
			vt := NewVoskTranscriber(opts.VoskServerURL, opts.SampleRate, opts.Logger)
			vt.Attach(t)
			return vt, nil
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, opts.Provider)
}
