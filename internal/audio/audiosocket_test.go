package audio

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func collect(t *testing.T, chunks <-chan []byte, want int) []byte {
	t.Helper()
	var got []byte
	timeout := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case chunk := <-chunks:
			if len(chunk) == 0 {
				t.Fatal("recorder emitted an empty chunk")
			}
			got = append(got, chunk...)
		case <-timeout:
			t.Fatalf("timed out: got %d of %d bytes", len(got), want)
		}
	}
	return got
}

func dialCall(t *testing.T, d *AudioSocketDevices, id uuid.UUID) (net.Conn, Stream) {
	t.Helper()

	client, err := net.Dial("tcp", d.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if _, err := client.Write(audiosocket.IDMessage(id)); err != nil {
		t.Fatalf("failed to send ID: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := d.RequestStream(ctx, Constraints{Audio: true})
	if err != nil {
		t.Fatalf("RequestStream failed: %v", err)
	}
	return client, stream
}

func TestAudioSocketRecorder(t *testing.T) {
	d := NewAudioSocketDevices("127.0.0.1:0", zerolog.Nop())
	if err := d.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer d.Close()

	id := uuid.New()
	client, stream := dialCall(t, d, id)
	defer client.Close()

	if stream.ID() != id.String() {
		t.Errorf("expected stream id %s, got %s", id, stream.ID())
	}

	rec, err := d.NewRecorder(stream, PreferredMimeType(d))
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	if rec.MimeType() != MimeTypeL16 {
		t.Errorf("expected %s, got %s", MimeTypeL16, rec.MimeType())
	}

	chunks := make(chan []byte, 64)
	rec.OnData(func(chunk []byte) { chunks <- chunk })
	if err := rec.Start(20 * time.Millisecond); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := rec.Start(20 * time.Millisecond); !errors.Is(err, ErrRecorderActive) {
		t.Errorf("expected ErrRecorderActive, got %v", err)
	}

	voice := bytes.Repeat([]byte{1}, audiosocket.DefaultSlinChunkSize)
	for i := 0; i < 3; i++ {
		if _, err := client.Write(audiosocket.SlinMessage(voice)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	got := collect(t, chunks, 3*len(voice))
	if !bytes.Equal(got, bytes.Repeat([]byte{1}, 3*len(voice))) {
		t.Error("recorded audio does not match sent slin")
	}

	// a disabled track records silence
	stream.AudioTracks()[0].SetEnabled(false)
	if _, err := client.Write(audiosocket.SlinMessage(voice)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got = collect(t, chunks, len(voice))
	if !bytes.Equal(got, make([]byte, len(voice))) {
		t.Error("expected silence while the track is disabled")
	}

	rec.Stop()
	if rec.State() != RecorderInactive {
		t.Errorf("expected inactive recorder, got %s", rec.State())
	}

	// stopping the track hangs up the call
	stream.Tracks()[0].Stop()
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := audiosocket.NextMessage(client)
	if err != nil {
		t.Fatalf("expected hangup message, got %v", err)
	}
	if msg.Kind() != audiosocket.KindHangup {
		t.Errorf("expected hangup, got kind %v", msg.Kind())
	}
}

func TestAudioSocketRemoteHangup(t *testing.T) {
	d := NewAudioSocketDevices("127.0.0.1:0", zerolog.Nop())
	if err := d.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer d.Close()

	client, stream := dialCall(t, d, uuid.New())
	defer client.Close()

	rec, err := d.NewRecorder(stream, MimeTypeL16)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	if err := rec.Start(20 * time.Millisecond); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := client.Write(audiosocket.HangupMessage()); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.State() != RecorderInactive {
		if time.Now().After(deadline) {
			t.Fatal("recorder still active after hangup")
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec.Stop()
}

func TestAudioSocketRequestStream(t *testing.T) {
	d := NewAudioSocketDevices("127.0.0.1:0", zerolog.Nop())
	defer d.Close()

	if _, err := d.RequestStream(context.Background(), Constraints{}); !errors.Is(err, ErrNoDevice) {
		t.Errorf("expected ErrNoDevice without audio, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := d.RequestStream(ctx, Constraints{Audio: true}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded without a call, got %v", err)
	}

	if _, err := d.NewRecorder(&fakeStream{}, MimeTypeL16); err == nil {
		t.Error("expected error for a foreign stream")
	}
	if d.IsTypeSupported("audio/webm") {
		t.Error("audiosocket must not claim webm support")
	}
}

func TestAudioSocketRequestStreamCancelledBeforeID(t *testing.T) {
	d := NewAudioSocketDevices("127.0.0.1:0", zerolog.Nop())
	if err := d.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer d.Close()

	// a caller that connects but never sends its ID
	client, err := net.Dial("tcp", d.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	errc := make(chan error, 1)
	go func() {
		_, err := d.RequestStream(ctx, Constraints{Audio: true})
		errc <- err
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestStream did not return after cancel")
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("expected the silent call to be dropped")
	}
}
