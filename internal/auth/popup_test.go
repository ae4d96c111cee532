package auth

import (
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBrowserOpenerWithoutCommand(t *testing.T) {
	o := &BrowserOpener{Log: zerolog.Nop()}
	w, err := o.Open("http://localhost/auth/login/notion", popupName, popupFeatures)
	if err != nil || w != nil {
		t.Fatalf("expected blocked popup, got %v, %v", w, err)
	}
}

func TestBrowserOpenerProcessWindow(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	// extra arguments after the script become positional parameters
	o := &BrowserOpener{Command: "sh", Args: []string{"-c", "sleep 5", "popup"}, Log: zerolog.Nop()}
	w, err := o.Open("http://localhost/auth/login/notion", popupName, popupFeatures)
	if err != nil || w == nil {
		t.Fatalf("expected a window, got %v, %v", w, err)
	}
	if w.Closed() {
		t.Fatal("window closed right after opening")
	}

	w.Close()
	deadline := time.Now().Add(2 * time.Second)
	for !w.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("window still open after Close")
		}
		time.Sleep(10 * time.Millisecond)
	}
	w.Close()
}

func TestBrowserOpenerMissingBinary(t *testing.T) {
	o := &BrowserOpener{Command: "mtranscribe-no-such-browser", Log: zerolog.Nop()}
	w, err := o.Open("http://localhost", popupName, popupFeatures)
	if err != nil || w != nil {
		t.Fatalf("expected blocked popup, got %v, %v", w, err)
	}
}
