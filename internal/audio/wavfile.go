package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const MimeTypeWAV = "audio/wav"

var ErrInvalidWAV = errors.New("not a valid WAV file")

// WAVFormat describes the PCM carried by a WAV file.
type WAVFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// BytesPerSecond is the PCM data rate of the format.
func (f WAVFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// LoadWAV reads a RIFF/WAVE file and returns its format and raw PCM data.
func LoadWAV(path string) (WAVFormat, []byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return WAVFormat{}, nil, err
	}
	defer file.Close()
	return ReadWAV(file)
}

// ReadWAV parses a RIFF/WAVE stream and returns the PCM of its data chunk.
func ReadWAV(r io.ReadSeeker) (WAVFormat, []byte, error) {
	dec := wav.NewDecoder(r)
	format, err := decodeFormat(dec)
	if err != nil {
		return WAVFormat{}, nil, err
	}
	if err := dec.FwdToPCM(); err != nil || dec.PCMChunk == nil {
		return WAVFormat{}, nil, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
	}

	pcm, err := io.ReadAll(io.LimitReader(dec.PCMChunk, int64(uint32(dec.PCMSize))))
	if err != nil {
		return WAVFormat{}, nil, fmt.Errorf("failed to read data chunk: %w", err)
	}
	return format, pcm, nil
}

// ReadWAVFormat reads only the fmt chunk of the file at path.
func ReadWAVFormat(path string) (WAVFormat, error) {
	file, err := os.Open(path)
	if err != nil {
		return WAVFormat{}, err
	}
	defer file.Close()
	return decodeFormat(wav.NewDecoder(file))
}

func decodeFormat(dec *wav.Decoder) (WAVFormat, error) {
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return WAVFormat{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	if dec.SampleRate == 0 || dec.NumChans == 0 {
		return WAVFormat{}, fmt.Errorf("%w: missing fmt chunk", ErrInvalidWAV)
	}
	return WAVFormat{
		SampleRate:    int(dec.SampleRate),
		Channels:      int(dec.NumChans),
		BitsPerSample: int(dec.BitDepth),
	}, nil
}

// WAVHeader builds a 44-byte canonical header for dataSize bytes of PCM.
// Streams of unknown length pass 0xFFFFFFFF, which wav.Encoder cannot write
// since it patches sizes on Close.
func WAVHeader(format WAVFormat, dataSize uint32) []byte {
	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], dataSize+36)
	if dataSize > 0xFFFFFFFF-36 {
		binary.LittleEndian.PutUint32(header[4:8], 0xFFFFFFFF)
	}
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(format.Channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(format.BytesPerSecond()))
	binary.LittleEndian.PutUint16(header[32:34], uint16(format.Channels*format.BitsPerSample/8))
	binary.LittleEndian.PutUint16(header[34:36], uint16(format.BitsPerSample))
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], dataSize)
	return header
}

// WAVFileDevices replays a WAV file in real time as if it were a microphone.
type WAVFileDevices struct {
	path string
	log  zerolog.Logger

	// RawPCM restricts recording to headerless audio/l16 for providers that
	// cannot read a WAV container.
	RawPCM bool
}

func NewWAVFileDevices(path string, log zerolog.Logger) *WAVFileDevices {
	return &WAVFileDevices{path: path, log: log}
}

func (d *WAVFileDevices) RequestStream(ctx context.Context, c Constraints) (Stream, error) {
	if !c.Audio {
		return nil, fmt.Errorf("%w: audio not requested", ErrNoDevice)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format, pcm, err := LoadWAV(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
		return nil, fmt.Errorf("failed to load %s: %w", d.path, err)
	}

	d.log.Info().
		Str("file", d.path).
		Int("sample_rate", format.SampleRate).
		Int("bytes", len(pcm)).
		Msg("Loaded audio file")

	s := &fileStream{id: uuid.New(), format: format, pcm: pcm, done: make(chan struct{})}
	s.track = newMediaTrack(TrackAudio, s.end)
	return s, nil
}

// Format reports the PCM format of the file.
func (d *WAVFileDevices) Format() (WAVFormat, error) {
	format, err := ReadWAVFormat(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return WAVFormat{}, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	return format, err
}

func (d *WAVFileDevices) IsTypeSupported(mimeType string) bool {
	if d.RawPCM {
		return mimeType == MimeTypeL16
	}
	return mimeType == MimeTypeWAV || mimeType == MimeTypeL16
}

func (d *WAVFileDevices) NewRecorder(s Stream, mimeType string) (Recorder, error) {
	fs, ok := s.(*fileStream)
	if !ok {
		return nil, fmt.Errorf("wavfile: foreign stream %T", s)
	}
	if mimeType == "" {
		mimeType = MimeTypeWAV
		if d.RawPCM {
			mimeType = MimeTypeL16
		}
	}
	if !d.IsTypeSupported(mimeType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMimeType, mimeType)
	}
	return &fileRecorder{stream: fs, mimeType: mimeType, state: RecorderInactive}, nil
}

type fileStream struct {
	id     uuid.UUID
	format WAVFormat
	pcm    []byte
	track  *mediaTrack

	endOnce sync.Once
	done    chan struct{}
}

func (s *fileStream) ID() string { return s.id.String() }

func (s *fileStream) Tracks() []Track { return []Track{s.track} }

func (s *fileStream) AudioTracks() []Track { return []Track{s.track} }

func (s *fileStream) Format() WAVFormat { return s.format }

// Done is closed when the file has been replayed or the track is stopped.
func (s *fileStream) Done() <-chan struct{} { return s.done }

func (s *fileStream) end() {
	s.endOnce.Do(func() { close(s.done) })
}

// fileRecorder emits one timeslice of PCM per tick until the file is
// exhausted or the track is stopped. The first audio/wav chunk carries a
// streaming WAV header.
type fileRecorder struct {
	stream   *fileStream
	mimeType string
	data     chunkEmitter

	mu     sync.Mutex
	state  RecorderState
	offset int
	stop   chan struct{}
	wg     sync.WaitGroup
}

func (r *fileRecorder) MimeType() string { return r.mimeType }

func (r *fileRecorder) OnData(fn func([]byte)) { r.data.set(fn) }

func (r *fileRecorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fileRecorder) Start(timeslice time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RecorderRecording {
		return ErrRecorderActive
	}

	sliceBytes := int(int64(r.stream.format.BytesPerSecond()) * int64(timeslice) / int64(time.Second))
	if frame := r.stream.format.Channels * r.stream.format.BitsPerSample / 8; frame > 0 {
		sliceBytes -= sliceBytes % frame
	}
	if sliceBytes <= 0 {
		return fmt.Errorf("timeslice %v too short for %d Hz audio", timeslice, r.stream.format.SampleRate)
	}

	r.state = RecorderRecording
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.run(timeslice, sliceBytes, r.offset == 0 && r.mimeType == MimeTypeWAV, r.stop)
	return nil
}

func (r *fileRecorder) run(timeslice time.Duration, sliceBytes int, withHeader bool, stop <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if r.stream.track.Stopped() {
			r.finish()
			return
		}

		r.mu.Lock()
		start := r.offset
		end := start + sliceBytes
		if end > len(r.stream.pcm) {
			end = len(r.stream.pcm)
		}
		r.offset = end
		r.mu.Unlock()

		if start >= end {
			r.finish()
			return
		}

		var chunk []byte
		if withHeader {
			chunk = append(chunk, WAVHeader(r.stream.format, 0xFFFFFFFF)...)
			withHeader = false
		}
		if r.stream.track.Enabled() {
			chunk = append(chunk, r.stream.pcm[start:end]...)
		} else {
			chunk = append(chunk, make([]byte, end-start)...)
		}
		r.data.emit(chunk)
	}
}

func (r *fileRecorder) finish() {
	r.mu.Lock()
	r.state = RecorderInactive
	r.mu.Unlock()
	r.stream.end()
}

func (r *fileRecorder) Stop() {
	r.mu.Lock()
	if r.stop == nil {
		r.mu.Unlock()
		return
	}
	close(r.stop)
	r.stop = nil
	r.state = RecorderInactive
	r.mu.Unlock()

	r.wg.Wait()
}
