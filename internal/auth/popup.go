package auth

import (
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

// Opener opens a login popup. A nil Window with a nil error means the popup
// was blocked.
type Opener interface {
	Open(url, name, features string) (Window, error)
}

type Window interface {
	Closed() bool
	Close()
}

// BrowserOpener opens the popup as a browser process, for example
// "chromium --app=". The URL is appended to the last argument when it ends in
// "=", otherwise it is passed as its own argument. The window counts as
// closed once the process exits.
type BrowserOpener struct {
	Command string
	Args    []string
	Log     zerolog.Logger
}

func (o *BrowserOpener) Open(url, name, features string) (Window, error) {
	if o.Command == "" {
		o.Log.Warn().Msg("No browser command configured, popup blocked")
		return nil, nil
	}

	args := append([]string(nil), o.Args...)
	if n := len(args); n > 0 && args[n-1] != "" && args[n-1][len(args[n-1])-1] == '=' {
		args[n-1] += url
	} else {
		args = append(args, url)
	}

	cmd := exec.Command(o.Command, args...)
	if err := cmd.Start(); err != nil {
		o.Log.Warn().Err(err).Str("command", o.Command).Msg("Failed to launch browser, popup blocked")
		return nil, nil
	}

	o.Log.Debug().Str("window", name).Str("features", features).Int("pid", cmd.Process.Pid).Msg("Opened login popup")

	w := &processWindow{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(w.done)
	}()
	return w, nil
}

type processWindow struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
}

func (w *processWindow) Closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *processWindow) Close() {
	w.once.Do(func() {
		if !w.Closed() {
			_ = w.cmd.Process.Kill()
		}
	})
}
