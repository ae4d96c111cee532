package audio

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MimeTypeL16 is raw signed 16-bit little-endian PCM. AudioSocket carries
// 8kHz mono slin.
const MimeTypeL16 = "audio/l16"

const AudioSocketSampleRate = 8000

const callIDTimeout = 5 * time.Second

// AudioSocketDevices accepts Asterisk AudioSocket calls. Each call is one
// stream whose single audio track is the caller's slin audio.
type AudioSocketDevices struct {
	addr string
	log  zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	calls    chan net.Conn
	shutdown chan struct{}
	wg       sync.WaitGroup
}

func NewAudioSocketDevices(addr string, log zerolog.Logger) *AudioSocketDevices {
	return &AudioSocketDevices{
		addr:     addr,
		log:      log,
		calls:    make(chan net.Conn),
		shutdown: make(chan struct{}),
	}
}

// Listen binds the AudioSocket listener. RequestStream calls it on demand.
func (d *AudioSocketDevices) Listen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", d.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.addr, err)
	}
	d.listener = listener
	d.log.Info().Str("addr", listener.Addr().String()).Msg("AudioSocket server listening")

	d.wg.Add(1)
	go d.acceptLoop(listener)
	return nil
}

// Addr returns the bound address, nil before Listen.
func (d *AudioSocketDevices) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

func (d *AudioSocketDevices) acceptLoop(listener net.Listener) {
	defer d.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-d.shutdown:
				return
			default:
				d.log.Warn().Err(err).Msg("Accept error")
				continue
			}
		}

		select {
		case d.calls <- conn:
		case <-d.shutdown:
			conn.Close()
			return
		}
	}
}

// Close stops accepting calls. Streams already handed out stay open.
func (d *AudioSocketDevices) Close() error {
	d.mu.Lock()
	select {
	case <-d.shutdown:
		d.mu.Unlock()
		return nil
	default:
	}
	close(d.shutdown)
	listener := d.listener
	d.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	d.wg.Wait()
	return err
}

// RequestStream waits for the next call and reads its ID message.
func (d *AudioSocketDevices) RequestStream(ctx context.Context, c Constraints) (Stream, error) {
	if !c.Audio {
		return nil, fmt.Errorf("%w: audio not requested", ErrNoDevice)
	}
	if err := d.Listen(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	d.log.Info().Msg("Waiting for AudioSocket call")

	var conn net.Conn
	select {
	case conn = <-d.calls:
	case <-d.shutdown:
		return nil, ErrNoDevice
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	id, err := readCallID(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	d.log.Info().Str("call", id.String()).Str("remote", conn.RemoteAddr().String()).Msg("New AudioSocket call")
	return newCallStream(id, conn, d.log), nil
}

// readCallID reads the ID message a call starts with. A caller that sends
// nothing is dropped after callIDTimeout or when ctx ends.
func readCallID(ctx context.Context, conn net.Conn) (uuid.UUID, error) {
	conn.SetReadDeadline(time.Now().Add(callIDTimeout))
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})

	id, err := audiosocket.GetID(conn)
	if !stop() {
		return uuid.Nil, ctx.Err()
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get ID: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	return id, nil
}

func (d *AudioSocketDevices) IsTypeSupported(mimeType string) bool {
	return mimeType == MimeTypeL16
}

func (d *AudioSocketDevices) NewRecorder(s Stream, mimeType string) (Recorder, error) {
	call, ok := s.(*callStream)
	if !ok {
		return nil, fmt.Errorf("audiosocket: foreign stream %T", s)
	}
	if mimeType == "" {
		mimeType = MimeTypeL16
	}
	if !d.IsTypeSupported(mimeType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMimeType, mimeType)
	}
	return &slinRecorder{call: call, mimeType: mimeType, state: RecorderInactive}, nil
}

// callStream reads AudioSocket messages from one call until hangup.
type callStream struct {
	id    uuid.UUID
	conn  net.Conn
	track *mediaTrack
	log   zerolog.Logger

	mu    sync.Mutex
	sinks map[int]func([]byte)
	next  int
	done  chan struct{}
}

func newCallStream(id uuid.UUID, conn net.Conn, log zerolog.Logger) *callStream {
	s := &callStream{
		id:    id,
		conn:  conn,
		log:   log.With().Str("call", id.String()).Logger(),
		sinks: make(map[int]func([]byte)),
		done:  make(chan struct{}),
	}
	s.track = newMediaTrack(TrackAudio, s.hangup)
	go s.readLoop()
	return s
}

func (s *callStream) ID() string { return s.id.String() }

func (s *callStream) Tracks() []Track { return []Track{s.track} }

func (s *callStream) AudioTracks() []Track { return []Track{s.track} }

// Done is closed when the call ends.
func (s *callStream) Done() <-chan struct{} { return s.done }

func (s *callStream) subscribe(fn func([]byte)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.sinks[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.sinks, id)
	}
}

func (s *callStream) readLoop() {
	defer close(s.done)
	defer s.conn.Close()

	for {
		msg, err := audiosocket.NextMessage(s.conn)
		if err != nil {
			if err != io.EOF && !s.track.Stopped() {
				s.log.Warn().Err(err).Msg("Failed to read message")
			}
			return
		}

		switch msg.Kind() {
		case audiosocket.KindSlin:
			payload := msg.Payload()
			if len(payload) == 0 {
				continue
			}
			if !s.track.Enabled() {
				payload = make([]byte, len(payload))
			}
			s.deliver(payload)

		case audiosocket.KindHangup:
			s.log.Info().Msg("Received hangup")
			return

		case audiosocket.KindError:
			s.log.Error().Msgf("Received error code: %d", msg.ErrorCode())
			return
		}
	}
}

func (s *callStream) deliver(payload []byte) {
	s.mu.Lock()
	sinks := make([]func([]byte), 0, len(s.sinks))
	for _, fn := range s.sinks {
		sinks = append(sinks, fn)
	}
	s.mu.Unlock()

	for _, fn := range sinks {
		fn(payload)
	}
}

// hangup asks Asterisk to end the call and closes the socket.
func (s *callStream) hangup() {
	if _, err := s.conn.Write(audiosocket.HangupMessage()); err != nil {
		s.log.Debug().Err(err).Msg("Failed to send hangup command")
	}
	s.conn.Close()
}

// slinRecorder batches slin payloads into one chunk per timeslice.
type slinRecorder struct {
	call     *callStream
	mimeType string
	data     chunkEmitter

	mu          sync.Mutex
	state       RecorderState
	buf         []byte
	unsubscribe func()
	stop        chan struct{}
	wg          sync.WaitGroup
}

func (r *slinRecorder) MimeType() string { return r.mimeType }

func (r *slinRecorder) OnData(fn func([]byte)) { r.data.set(fn) }

func (r *slinRecorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *slinRecorder) Start(timeslice time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RecorderRecording {
		return ErrRecorderActive
	}

	r.state = RecorderRecording
	r.stop = make(chan struct{})
	r.unsubscribe = r.call.subscribe(func(payload []byte) {
		r.mu.Lock()
		r.buf = append(r.buf, payload...)
		r.mu.Unlock()
	})

	r.wg.Add(1)
	go r.run(timeslice, r.stop)
	return nil
}

func (r *slinRecorder) run(timeslice time.Duration, stop <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-stop:
			r.flush()
			return
		case <-r.call.Done():
			r.flush()
			r.mu.Lock()
			r.state = RecorderInactive
			r.mu.Unlock()
			return
		}
	}
}

func (r *slinRecorder) flush() {
	r.mu.Lock()
	chunk := r.buf
	r.buf = nil
	r.mu.Unlock()

	r.data.emit(chunk)
}

func (r *slinRecorder) Stop() {
	r.mu.Lock()
	if r.stop == nil {
		r.mu.Unlock()
		return
	}
	close(r.stop)
	r.stop = nil
	r.unsubscribe()
	r.state = RecorderInactive
	r.mu.Unlock()

	r.wg.Wait()
}
