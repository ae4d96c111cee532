package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amanullahtanweer/mtranscribe/internal/config"
	"github.com/amanullahtanweer/mtranscribe/internal/transcript"
	"github.com/rs/zerolog"
)

func main() {
	var (
		configFile  string
		input       string
		title       string
		deepgramKey string
		demo        bool
		login       bool
		tree        bool
		toNotion    bool
	)
	flag.StringVar(&configFile, "config", "", "Configuration file path")
	flag.StringVar(&input, "input", "", `Audio input: "audiosocket" or a WAV file path (overrides config)`)
	flag.StringVar(&title, "title", "", "Transcript title")
	flag.StringVar(&deepgramKey, "set-deepgram-key", "", `Save a Deepgram API key to the settings store and exit ("-" prompts for it)`)
	flag.BoolVar(&demo, "demo", false, "Export the demo transcript instead of capturing")
	flag.BoolVar(&login, "login", false, "Log in to the workspace through a browser popup and exit")
	flag.BoolVar(&tree, "tree", false, "Print the Notion page hierarchy and exit")
	flag.BoolVar(&toNotion, "notion", false, "Export finished transcripts to Notion")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if input != "" {
		cfg.Transcription.Input = input
	}

	log := newLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	switch {
	case deepgramKey != "":
		err = a.saveDeepgramKey(ctx, deepgramKey)
	case login:
		err = a.login(ctx)
	case tree:
		err = a.printTree(ctx, os.Stdout)
	case demo:
		t := transcript.NewDemo(time.Now())
		if title != "" {
			t.SetTitle(title)
		}
		err = a.save(ctx, t.Snapshot(), toNotion, nil)
	default:
		err = a.capture(ctx, title, toNotion)
	}

	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("mtranscribe failed")
		a.Close()
		os.Exit(1)
	}
	log.Info().Msg("Shutting down")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "2006-01-02 15:04:05",
	}
	return zerolog.New(consoleWriter).Level(lvl).With().Timestamp().Logger()
}
