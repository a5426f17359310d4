package capture

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"
)

func findChrome(t *testing.T) string {
	t.Helper()
	for _, name := range []string{
		"headless-shell", "chromium", "chromium-browser",
		"google-chrome", "google-chrome-stable", "chrome",
	} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

func newTestChrome(t *testing.T) *ChromeBrowser {
	t.Helper()
	if testing.Short() {
		t.Skip("starts a real browser")
	}
	path := findChrome(t)
	if path == "" {
		t.Skip("no Chrome binary on PATH")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b, err := NewChromeBrowser(ctx, ChromeConfig{
		Width:     800,
		Height:    600,
		ExecPath:  path,
		NoSandbox: os.Geteuid() == 0,
	})
	if err != nil {
		t.Fatalf("NewChromeBrowser: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestChromeBrowser_SessionSurvivesOpen(t *testing.T) {
	b := newTestChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>pixlewatch</title></head><body style="height:2000px">hello</body></html>`)
	}))
	defer srv.Close()

	// Two sessions in a row: a tab left behind by the first must not wedge the second.
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

		sess, err := b.NewSession(ctx)
		if err != nil {
			cancel()
			t.Fatalf("session %d: NewSession: %v", i, err)
		}

		if err := sess.Navigate(ctx, srv.URL, 15*time.Second); err != nil {
			t.Fatalf("session %d: Navigate: %v", i, err)
		}

		var title string
		if err := sess.Evaluate(ctx, "document.title", &title); err != nil {
			t.Fatalf("session %d: Evaluate: %v", i, err)
		}
		if title != "pixlewatch" {
			t.Errorf("session %d: title = %q, want pixlewatch", i, title)
		}

		shot, err := sess.Screenshot(ctx)
		if err != nil {
			t.Fatalf("session %d: Screenshot: %v", i, err)
		}
		img, err := png.Decode(bytes.NewReader(shot))
		if err != nil {
			t.Fatalf("session %d: screenshot is not a PNG: %v", i, err)
		}
		if got := img.Bounds().Dx(); got != 800 {
			t.Errorf("session %d: width = %d, want 800", i, got)
		}
		if got := img.Bounds().Dy(); got < 2000 {
			t.Errorf("session %d: height = %d, want full page (>= 2000)", i, got)
		}

		if err := sess.Close(); err != nil {
			t.Errorf("session %d: Close: %v", i, err)
		}
		cancel()
	}
}

func TestChromeBrowser_NewSessionHonorsCancelledContext(t *testing.T) {
	b := newTestChrome(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.NewSession(ctx); err == nil {
		t.Fatal("expected error for a cancelled context")
	}
}
