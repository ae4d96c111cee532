package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DeepgramWebSocketURL = "wss://api.deepgram.com/v1/listen"

	// Deepgram drops idle connections after ~10s without audio; a muted
	// capture sends nothing, so keep the socket alive.
	deepgramKeepAliveInterval = 5 * time.Second
	deepgramCloseGrace        = 2 * time.Second
)

var ErrNotConnected = errors.New("transcriber: connection not established")

// EventKind names the events a live connection reports.
type EventKind string

const (
	EventOpen         EventKind = "Open"
	EventTranscript   EventKind = "Transcript"
	EventUtteranceEnd EventKind = "UtteranceEnd"
	EventError        EventKind = "Error"
	EventClose        EventKind = "Close"
)

// LiveEvent carries the payload of one connection event.
type LiveEvent struct {
	Kind   EventKind
	Result *LiveResult // EventTranscript
	Err    error       // EventError
}

type Handler func(LiveEvent)

// LiveResult is a Deepgram "Results" message.
type LiveResult struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []Alternative `json:"alternatives"`
	} `json:"channel"`
}

type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words"`
}

type Word struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word,omitempty"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
	Speaker        *int    `json:"speaker,omitempty"`
}

// LiveOptions configures a Deepgram live transcription connection.
type LiveOptions struct {
	URL            string
	Model          string
	Language       string
	SmartFormat    bool
	InterimResults bool
	UtteranceEndMs int
	Diarize        bool
	MipOptOut      bool
	// Encoding and SampleRate are only needed for raw audio; containerized
	// audio (webm, ogg, wav) is detected by the service.
	Encoding   string
	SampleRate int
	Channels   int
}

// DefaultLiveOptions returns the connection settings the client uses.
func DefaultLiveOptions() LiveOptions {
	return LiveOptions{
		URL:            DeepgramWebSocketURL,
		Model:          "nova-3",
		Language:       "en",
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: 1000,
		Diarize:        true,
		MipOptOut:      true,
	}
}

func (o LiveOptions) withDefaults() LiveOptions {
	def := DefaultLiveOptions()
	if o == (LiveOptions{}) {
		return def
	}
	if o.URL == "" {
		o.URL = def.URL
	}
	if o.Model == "" {
		o.Model = def.Model
	}
	if o.Language == "" {
		o.Language = def.Language
	}
	if o.UtteranceEndMs == 0 {
		o.UtteranceEndMs = def.UtteranceEndMs
	}
	return o
}

// Query encodes the options as listen query parameters.
func (o LiveOptions) Query() url.Values {
	q := url.Values{}
	q.Set("model", o.Model)
	q.Set("language", o.Language)
	q.Set("smart_format", strconv.FormatBool(o.SmartFormat))
	q.Set("interim_results", strconv.FormatBool(o.InterimResults))
	if o.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(o.UtteranceEndMs))
	}
	q.Set("diarize", strconv.FormatBool(o.Diarize))
	if o.MipOptOut {
		q.Set("mip_opt_out", "true")
	}
	if o.Encoding != "" {
		q.Set("encoding", o.Encoding)
	}
	if o.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(o.SampleRate))
	}
	if o.Channels > 0 {
		q.Set("channels", strconv.Itoa(o.Channels))
	}
	return q
}

// LiveConnection is a handle on one streaming session with the provider.
// Handlers are invoked from a single goroutine in delivery order.
type LiveConnection interface {
	On(kind EventKind, h Handler)
	Dial(ctx context.Context)
	Send(data []byte) error
	RequestClose()
}

// Connector creates an undialed live connection for apiKey.
type Connector func(apiKey string, opts LiveOptions, log zerolog.Logger) (LiveConnection, error)

// DialLive is the gorilla/websocket Connector.
func DialLive(apiKey string, opts LiveOptions, log zerolog.Logger) (LiveConnection, error) {
	endpoint, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid deepgram url: %w", err)
	}
	endpoint.RawQuery = opts.Query().Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+apiKey)

	return &wsLiveConnection{
		url:      endpoint.String(),
		header:   header,
		dialer:   websocket.DefaultDialer,
		log:      log,
		handlers: make(map[EventKind][]Handler),
		done:     make(chan struct{}),
	}, nil
}

type wsLiveConnection struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu       sync.Mutex
	handlers map[EventKind][]Handler
	conn     *websocket.Conn
	closing  bool

	writeMu sync.Mutex
	done    chan struct{}
}

func (c *wsLiveConnection) On(kind EventKind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], h)
}

// Dial connects in the background. The outcome is reported as EventOpen or
// EventError followed by EventClose.
func (c *wsLiveConnection) Dial(ctx context.Context) {
	go func() {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			c.emit(LiveEvent{Kind: EventError, Err: fmt.Errorf("failed to connect to Deepgram: %w", err)})
			c.emit(LiveEvent{Kind: EventClose})
			close(c.done)
			return
		}

		c.mu.Lock()
		c.conn = conn
		closing := c.closing
		c.mu.Unlock()

		if closing {
			// closed while dialing
			conn.Close()
			c.emit(LiveEvent{Kind: EventClose})
			close(c.done)
			return
		}

		c.emit(LiveEvent{Kind: EventOpen})
		go c.keepAlive()
		c.readLoop(conn)
	}()
}

func (c *wsLiveConnection) readLoop(conn *websocket.Conn) {
	defer close(c.done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if !closing && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(LiveEvent{Kind: EventError, Err: fmt.Errorf("deepgram websocket error: %w", err)})
			}
			conn.Close()
			c.emit(LiveEvent{Kind: EventClose})
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &envelope); err != nil {
			c.log.Warn().Err(err).Msg("Failed to parse Deepgram message")
			continue
		}

		switch envelope.Type {
		case "Results":
			var result LiveResult
			if err := json.Unmarshal(message, &result); err != nil {
				c.log.Warn().Err(err).Msg("Failed to parse Deepgram results")
				continue
			}
			c.emit(LiveEvent{Kind: EventTranscript, Result: &result})

		case "UtteranceEnd":
			c.emit(LiveEvent{Kind: EventUtteranceEnd})

		case "Metadata", "SpeechStarted":
			c.log.Debug().Str("type", envelope.Type).Msg("Deepgram message")

		default:
			c.log.Debug().Str("type", envelope.Type).Msg("Unhandled Deepgram message")
		}
	}
}

func (c *wsLiveConnection) keepAlive() {
	ticker := time.NewTicker(deepgramKeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeText([]byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		}
	}
}

func (c *wsLiveConnection) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	closing := c.closing
	c.mu.Unlock()
	if conn == nil || closing {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsLiveConnection) writeText(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// RequestClose asks the service to flush and close the stream. The socket is
// torn down after a short grace period if the service does not close it.
func (c *wsLiveConnection) RequestClose() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}

	if err := c.writeText([]byte(`{"type":"CloseStream"}`)); err != nil {
		c.log.Debug().Err(err).Msg("Failed to send CloseStream")
	}

	go func() {
		select {
		case <-c.done:
		case <-time.After(deepgramCloseGrace):
			conn.Close()
		}
	}()
}

func (c *wsLiveConnection) emit(ev LiveEvent) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[ev.Kind]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
