package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amanullahtanweer/mtranscribe/internal/audio"
	"github.com/amanullahtanweer/mtranscribe/internal/auth"
	"github.com/amanullahtanweer/mtranscribe/internal/config"
	"github.com/amanullahtanweer/mtranscribe/internal/export"
	"github.com/amanullahtanweer/mtranscribe/internal/sessionlog"
	"github.com/amanullahtanweer/mtranscribe/internal/transcriber"
	"github.com/amanullahtanweer/mtranscribe/internal/transcript"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	redis    *redis.Client
	settings *config.Settings
	auth     *auth.Service
	hub      auth.Broadcaster
	notion   *export.NotionClient

	closeOnce sync.Once
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var (
		store       config.Store
		broadcaster auth.Broadcaster
	)
	if cfg.Redis.Enabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.redis.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		store = config.NewRedisStore(a.redis, cfg.Redis.SettingsKey)
		broadcaster = auth.NewRedisBroadcaster(a.redis, log)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using redis for settings and auth channel")
	} else {
		store = config.FileStore{Path: filepath.Join(cfg.Log.SessionDir, "settings.json")}
		broadcaster = auth.NewHub()
	}

	a.hub = broadcaster
	a.settings = config.NewSettings(store, log)
	a.settings.Load(ctx)

	a.auth = auth.NewService(auth.Config{
		BaseURL:      cfg.Auth.BaseURL,
		Provider:     cfg.Auth.Provider,
		CallbackPath: cfg.Auth.CallbackPath,
		Channel:      cfg.Auth.Channel,
	}, nil, broadcaster, &auth.BrowserOpener{
		Command: cfg.Auth.BrowserCommand,
		Args:    cfg.Auth.BrowserArgs,
		Log:     log,
	}, log)

	a.notion = export.NewNotionClient(cfg.Notion.BaseURL, cfg.Notion.Token, cfg.Notion.Version, nil, log)
	return a, nil
}

func (a *app) Close() {
	a.closeOnce.Do(func() {
		if a.redis != nil {
			a.redis.Close()
		}
	})
}

// credentials prefers the key saved in settings over the configured one.
type credentials struct {
	settings *config.Settings
	fallback string
}

func (c credentials) DeepgramAPIKey() string {
	if key := c.settings.DeepgramAPIKey(); key != "" {
		return key
	}
	return c.fallback
}

// saveDeepgramKey stores key in the settings. A key of "-" is read from the
// terminal without echo.
func (a *app) saveDeepgramKey(ctx context.Context, key string) error {
	if key == "-" {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return fmt.Errorf("reading the key requires a terminal")
		}
		fmt.Fprint(os.Stderr, "Deepgram API key: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
		key = strings.TrimSpace(string(raw))
	}
	if key == "" {
		return fmt.Errorf("empty Deepgram API key")
	}
	a.settings.SetDeepgramAPIKey(key)
	if err := a.settings.Save(ctx); err != nil {
		return err
	}
	a.log.Info().Msg("Deepgram API key saved")
	return nil
}

func (a *app) login(ctx context.Context) error {
	loggedIn, err := a.auth.CheckAuth(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("Could not check authentication status")
	}
	if loggedIn && a.auth.HasService(a.cfg.Auth.Provider) {
		a.log.Info().Str("provider", a.cfg.Auth.Provider).Msg("Already logged in")
		return nil
	}

	if a.cfg.Auth.CallbackListen != "" {
		shutdown, err := a.serveCallback()
		if err != nil {
			return err
		}
		defer shutdown()
	}

	a.log.Info().Str("url", a.auth.LoginURL()).Msg("Opening login popup")
	if err := a.auth.LoginWithPopup(ctx); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if _, err := a.auth.CheckAuth(ctx); err != nil {
		a.log.Warn().Err(err).Msg("Could not refresh authentication status")
	}
	a.log.Info().Msg("Login successful")
	return nil
}

// serveCallback serves the popup redirect on auth.callback_listen until the
// returned function is called.
func (a *app) serveCallback() (func(), error) {
	ln, err := net.Listen("tcp", a.cfg.Auth.CallbackListen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for auth callback: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Auth.CallbackPath, auth.CallbackHandler(a.hub, a.cfg.Auth.Channel, a.log))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("Auth callback server failed")
		}
	}()
	a.log.Info().Str("addr", ln.Addr().String()).Msg("Listening for auth callback")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

func (a *app) printTree(ctx context.Context, w io.Writer) error {
	roots, err := a.notion.Hierarchy(ctx)
	if err != nil {
		return err
	}
	var walk func(nodes []*export.HierarchyNode, depth int)
	walk = func(nodes []*export.HierarchyNode, depth int) {
		for _, node := range nodes {
			fmt.Fprintf(w, "%s%s [%s] %s\n", strings.Repeat("  ", depth), node.Title, node.Type, node.ID)
			walk(node.Children, depth+1)
		}
	}
	walk(roots, 0)
	return nil
}

func (a *app) devices() (audio.Devices, func(), error) {
	input := a.cfg.Transcription.Input
	if input == "" || input == "audiosocket" {
		d := audio.NewAudioSocketDevices(a.cfg.Server.Addr(), a.log)
		if err := d.Listen(); err != nil {
			return nil, nil, err
		}
		return d, func() { d.Close() }, nil
	}
	return audio.NewWAVFileDevices(input, a.log), func() {}, nil
}

func (a *app) factory(sampleRate int, raw bool) (transcriber.Factory, error) {
	tc := a.cfg.Transcription
	live := transcriber.DefaultLiveOptions()
	live.Model = tc.Model
	live.Language = tc.Language
	if raw {
		live.Encoding = "linear16"
		live.SampleRate = sampleRate
		live.Channels = 1
	}
	return transcriber.NewFactory(transcriber.Options{
		Provider:         tc.Provider,
		Credentials:      credentials{settings: a.settings, fallback: tc.DeepgramAPIKey},
		AssemblyAIAPIKey: tc.AssemblyAIAPIKey,
		VoskServerURL:    tc.VoskServerURL,
		SampleRate:       sampleRate,
		Live:             live,
		Logger:           a.log,
	})
}

// inputFormat reports the sample rate the transcriber is built for and whether
// it receives headerless PCM. Providers other than Deepgram cannot read a WAV
// container, so a WAV input is replayed to them as 16-bit mono l16.
func (a *app) inputFormat(devices audio.Devices) (int, bool, error) {
	switch d := devices.(type) {
	case *audio.AudioSocketDevices:
		return audio.AudioSocketSampleRate, true, nil
	case *audio.WAVFileDevices:
		format, err := d.Format()
		if err != nil {
			return 0, false, err
		}
		provider := a.cfg.Transcription.Provider
		if provider == "" || provider == transcriber.ProviderDeepgram {
			return format.SampleRate, false, nil
		}
		if format.Channels != 1 || format.BitsPerSample != 16 {
			return 0, false, fmt.Errorf("%s needs 16-bit mono audio, %s has %d channel(s) of %d-bit samples",
				provider, a.cfg.Transcription.Input, format.Channels, format.BitsPerSample)
		}
		d.RawPCM = true
		return format.SampleRate, true, nil
	}
	return a.cfg.Transcription.SampleRate, false, nil
}

func (a *app) capture(ctx context.Context, title string, toNotion bool) error {
	devices, closeDevices, err := a.devices()
	if err != nil {
		return err
	}
	defer closeDevices()

	sampleRate, raw, err := a.inputFormat(devices)
	if err != nil {
		return err
	}
	factory, err := a.factory(sampleRate, raw)
	if err != nil {
		return err
	}

	var console io.Reader
	if term.IsTerminal(int(os.Stdin.Fd())) {
		console = os.Stdin
	}
	return a.runSessions(ctx, devices, factory, title, toNotion, console)
}

// runSessions runs capture sessions until the context ends. An AudioSocket
// input starts a new session with a fresh transcript for every call; a WAV
// input stops after one replay. Commands are read from console when it is
// not nil.
func (a *app) runSessions(ctx context.Context, devices audio.Devices, factory transcriber.Factory, title string, toNotion bool, console io.Reader) error {
	_, live := devices.(*audio.AudioSocketDevices)

	newTranscript := func() *transcript.Transcript {
		t := transcript.New(title, "", "")
		if title == "" {
			t.SetTitle("Transcript " + time.Now().Format("2006-01-02 15:04"))
		}
		return t
	}

	ctrl := audio.NewCaptureController(devices, factory, newTranscript(), a.log)
	var session atomic.Pointer[sessionlog.Logger]
	ctrl.OnStateChange(func(s audio.State) {
		session.Load().LogState(string(s))
	})

	if console != nil {
		go a.readCommands(ctx, ctrl, console)
	}

	for {
		t := ctrl.Transcript()
		sl := a.openSession()
		session.Store(sl)
		sl.Follow(t)
		t.OnChange(func(ev transcript.Event) {
			if ev.Kind == transcript.EventTurnFinalized {
				a.log.Info().Str("speaker", ev.Turn.Speaker).Msg(strings.TrimSpace(ev.Turn.Text))
			}
		})

		if live {
			a.log.Info().Str("addr", a.cfg.Server.Addr()).Msg("Waiting for AudioSocket call")
		}
		if err := ctrl.Start(ctx); err != nil {
			sl.LogError("start", err)
			sl.Close()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		sl.LogSessionStart(a.cfg.Transcription.Provider, a.cfg.Transcription.Input, time.Now())

		reason := waitForEnd(ctx, ctrl.Stream())
		ctrl.Stop()
		// results flushed by the provider on stop may leave a turn open
		t.FinalizeTurn(transcript.SourceTranscribed)

		if err := a.save(context.WithoutCancel(ctx), t.Snapshot(), toNotion, sl); err != nil {
			a.log.Error().Err(err).Msg("Failed to save transcript")
			sl.LogError("export", err)
		}
		sl.LogSessionEnd(time.Now(), reason)
		session.Store(nil)
		sl.Close()

		if ctx.Err() != nil || !live {
			return nil
		}
		if err := ctrl.SetTranscript(newTranscript()); err != nil {
			return err
		}
	}
}

func (a *app) openSession() *sessionlog.Logger {
	if a.cfg.Log.SessionDir == "" {
		return nil
	}
	l, err := sessionlog.New(a.cfg.Log.SessionDir, uuid.NewString(), time.Now())
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to open session log")
		return nil
	}
	return l
}

func waitForEnd(ctx context.Context, s audio.Stream) string {
	ender, ok := s.(audio.Ender)
	if !ok {
		<-ctx.Done()
		return "interrupted"
	}
	select {
	case <-ctx.Done():
		return "interrupted"
	case <-ender.Done():
		return "stream ended"
	}
}

// readCommands reads console input while capturing: "/mute", "/unmute",
// "/stop", anything else is a typed note.
func (a *app) readCommands(ctx context.Context, ctrl *audio.CaptureController, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "/mute":
			ctrl.Mute()
		case "/unmute":
			ctrl.Unmute()
		case "/stop":
			if s := ctrl.Stream(); s != nil {
				for _, track := range s.Tracks() {
					track.Stop()
				}
			}
		default:
			t := ctrl.Transcript()
			t.AppendStable(line, transcript.SourceTyped, "")
			t.FinalizeTurn(transcript.SourceTyped)
		}
	}
}

// save writes snap to the output directory and, when asked, to Notion. sl may
// be nil.
func (a *app) save(ctx context.Context, snap transcript.Snapshot, toNotion bool, sl *sessionlog.Logger) error {
	if len(snap.Turns) == 0 {
		a.log.Info().Msg("Transcript is empty, nothing to save")
		return nil
	}

	tc := a.cfg.Transcription
	if tc.SaveTranscripts {
		if err := os.MkdirAll(tc.OutputDir, 0755); err != nil {
			return err
		}
		filename := filepath.Join(tc.OutputDir, fmt.Sprintf("transcript_%s.md", time.Now().Format("20060102_150405")))
		if err := os.WriteFile(filename, []byte(export.Markdown(snap)), 0644); err != nil {
			return fmt.Errorf("failed to write transcript: %w", err)
		}
		a.log.Info().Str("file", filename).Int("turns", len(snap.Turns)).Msg("Transcript saved")
		sl.LogExport("markdown", filename)
	}

	if toNotion {
		if a.cfg.Notion.ParentPageID == "" {
			return fmt.Errorf("notion export requires notion.parent_page_id")
		}
		page, err := a.notion.ExportTranscript(ctx, a.cfg.Notion.ParentPageID, snap)
		if err != nil {
			return err
		}
		a.log.Info().Str("url", page.URL).Msg("Transcript exported")
		sl.LogExport("notion", page.ID)
	}
	return nil
}
