package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var testFormat = WAVFormat{SampleRate: 8000, Channels: 1, BitsPerSample: 16}

func writeWAV(t *testing.T, pcm []byte, extra []byte) string {
	t.Helper()

	header := WAVHeader(testFormat, uint32(len(pcm)))
	var buf bytes.Buffer
	buf.Write(header[:36])
	buf.Write(extra)
	buf.Write(header[36:])
	buf.Write(pcm)

	path := filepath.Join(t.TempDir(), "test.wav")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("failed to write wav: %v", err)
	}
	return path
}

func TestLoadWAV(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x10, 0x20}, 100)

	t.Run("canonical", func(t *testing.T) {
		format, data, err := LoadWAV(writeWAV(t, pcm, nil))
		if err != nil {
			t.Fatalf("LoadWAV failed: %v", err)
		}
		if format != testFormat {
			t.Errorf("expected %+v, got %+v", testFormat, format)
		}
		if !bytes.Equal(data, pcm) {
			t.Error("pcm mismatch")
		}
	})

	t.Run("skips unknown chunks", func(t *testing.T) {
		junk := make([]byte, 8+6)
		copy(junk[0:4], "JUNK")
		binary.LittleEndian.PutUint32(junk[4:8], 6)

		_, data, err := LoadWAV(writeWAV(t, pcm, junk))
		if err != nil {
			t.Fatalf("LoadWAV failed: %v", err)
		}
		if !bytes.Equal(data, pcm) {
			t.Error("pcm mismatch after JUNK chunk")
		}
	})

	t.Run("not riff", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.wav")
		os.WriteFile(path, []byte("OggS this is not a wav file at all"), 0644)
		if _, _, err := LoadWAV(path); !errors.Is(err, ErrInvalidWAV) {
			t.Errorf("expected ErrInvalidWAV, got %v", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, _, err := LoadWAV("nonexistent.wav"); err == nil {
			t.Error("expected error when loading non-existent file")
		}
	})
}

func TestWAVFileRecorder(t *testing.T) {
	// 200ms of 8kHz mono audio
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 1600)
	d := NewWAVFileDevices(writeWAV(t, pcm, nil), zerolog.Nop())

	stream, err := d.RequestStream(context.Background(), Constraints{Audio: true})
	if err != nil {
		t.Fatalf("RequestStream failed: %v", err)
	}

	mimeType := PreferredMimeType(d)
	if mimeType != MimeTypeWAV {
		t.Fatalf("expected %s, got %s", MimeTypeWAV, mimeType)
	}
	rec, err := d.NewRecorder(stream, mimeType)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	chunks := make(chan []byte, 16)
	rec.OnData(func(chunk []byte) { chunks <- chunk })
	if err := rec.Start(50 * time.Millisecond); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	first := <-chunks
	if string(first[0:4]) != "RIFF" {
		t.Fatal("expected first wav chunk to carry a header")
	}
	if len(first) != 44+800 {
		t.Errorf("expected 844 bytes in first chunk, got %d", len(first))
	}

	got := collect(t, chunks, len(pcm)-800)
	if len(got) != len(pcm)-800 {
		t.Errorf("expected %d remaining bytes, got %d", len(pcm)-800, len(got))
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.State() != RecorderInactive {
		if time.Now().After(deadline) {
			t.Fatal("recorder still active after end of file")
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec.Stop()

	select {
	case <-stream.(Ender).Done():
	case <-time.After(time.Second):
		t.Error("stream not done after end of file")
	}
}

func TestWAVFileRecorderSilenceWhenDisabled(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x7f}, 1600)
	d := NewWAVFileDevices(writeWAV(t, pcm, nil), zerolog.Nop())

	stream, err := d.RequestStream(context.Background(), Constraints{Audio: true})
	if err != nil {
		t.Fatalf("RequestStream failed: %v", err)
	}
	stream.AudioTracks()[0].SetEnabled(false)

	rec, err := d.NewRecorder(stream, MimeTypeL16)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	chunks := make(chan []byte, 16)
	rec.OnData(func(chunk []byte) { chunks <- chunk })
	if err := rec.Start(50 * time.Millisecond); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer rec.Stop()

	got := collect(t, chunks, len(pcm))
	if !bytes.Equal(got, make([]byte, len(pcm))) {
		t.Error("expected silence from a disabled track")
	}
}

func TestWAVFileDevicesErrors(t *testing.T) {
	d := NewWAVFileDevices(filepath.Join(t.TempDir(), "missing.wav"), zerolog.Nop())
	if _, err := d.RequestStream(context.Background(), Constraints{Audio: true}); !errors.Is(err, ErrNoDevice) {
		t.Errorf("expected ErrNoDevice for a missing file, got %v", err)
	}
	if d.IsTypeSupported("audio/webm") {
		t.Error("wav device must not claim webm support")
	}
	if _, err := d.NewRecorder(&fakeStream{}, MimeTypeWAV); err == nil {
		t.Error("expected error for a foreign stream")
	}
}

func TestWAVFileDevicesRawPCM(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 800)
	d := NewWAVFileDevices(writeWAV(t, pcm, nil), zerolog.Nop())
	d.RawPCM = true

	if d.IsTypeSupported(MimeTypeWAV) {
		t.Error("raw PCM device must not offer the wav container")
	}
	if got := PreferredMimeType(d); got != "" {
		t.Fatalf("expected no preferred container, got %q", got)
	}

	stream, err := d.RequestStream(context.Background(), Constraints{Audio: true})
	if err != nil {
		t.Fatalf("RequestStream failed: %v", err)
	}
	rec, err := d.NewRecorder(stream, PreferredMimeType(d))
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	if rec.MimeType() != MimeTypeL16 {
		t.Errorf("expected %s, got %s", MimeTypeL16, rec.MimeType())
	}

	chunks := make(chan []byte, 16)
	rec.OnData(func(chunk []byte) { chunks <- chunk })
	if err := rec.Start(50 * time.Millisecond); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer rec.Stop()

	got := collect(t, chunks, len(pcm))
	if !bytes.Equal(got, pcm) {
		t.Error("expected headerless pcm")
	}
}

func TestWAVFileDevicesFormat(t *testing.T) {
	stereo := WAVFormat{SampleRate: 16000, Channels: 2, BitsPerSample: 16}
	path := filepath.Join(t.TempDir(), "stereo.wav")
	data := append(WAVHeader(stereo, 8), make([]byte, 8)...)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write wav: %v", err)
	}

	format, err := NewWAVFileDevices(path, zerolog.Nop()).Format()
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if format != stereo {
		t.Errorf("expected %+v, got %+v", stereo, format)
	}

	missing := NewWAVFileDevices(filepath.Join(t.TempDir(), "missing.wav"), zerolog.Nop())
	if _, err := missing.Format(); !errors.Is(err, ErrNoDevice) {
		t.Errorf("expected ErrNoDevice, got %v", err)
	}
}
