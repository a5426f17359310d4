package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// ChromeConfig selects between a local headless Chrome and a remote one.
type ChromeConfig struct {
	// RemoteURL is a DevTools websocket or http endpoint. Empty launches
	// a local headless Chrome.
	RemoteURL string
	Width     int
	Height    int

	// ExecPath overrides chromedp's lookup of the local Chrome binary.
	ExecPath string
	// NoSandbox is needed when Chrome runs as root, as in most containers.
	NoSandbox bool
}

// ChromeBrowser shares one Chrome process; each session is a new tab.
type ChromeBrowser struct {
	config        ChromeConfig
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

func NewChromeBrowser(ctx context.Context, config ChromeConfig) (*ChromeBrowser, error) {
	if config.Width <= 0 {
		config.Width = 1920
	}
	if config.Height <= 0 {
		config.Height = 1080
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if config.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, config.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.WindowSize(config.Width, config.Height),
			chromedp.Flag("hide-scrollbars", true),
		)
		if config.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(config.ExecPath))
		}
		if config.NoSandbox {
			opts = append(opts, chromedp.NoSandbox)
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// The first Run on a fresh context starts the browser.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &ChromeBrowser{
		config:        config,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func (b *ChromeBrowser) NewSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	tabCtx, cancel := chromedp.NewContext(b.browserCtx)

	// The first Run attaches the tab and binds its event loop to the Run
	// context, so it must run on tabCtx itself and not on a derived one.
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(tabCtx, chromedp.EmulateViewport(int64(b.config.Width), int64(b.config.Height)))
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("open tab: %w", ctx.Err())
		}
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &chromeSession{ctx: tabCtx, cancel: cancel}, nil
}

// Close shuts the browser down. Sessions must be closed first.
func (b *ChromeBrowser) Close() error {
	err := chromedp.Cancel(b.browserCtx)
	b.browserCancel()
	b.allocCancel()
	return err
}

type chromeSession struct {
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// run executes actions on an attached tab, honoring both the caller's
// context and timeout.
func (s *chromeSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(s.ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(s.ctx)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *chromeSession) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	idle := make(chan struct{})
	var once sync.Once
	var navigating bool
	var mu sync.Mutex

	// networkIdle counts only after the "init" event of this navigation.
	chromedp.ListenTarget(s.ctx, func(ev any) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch e.Name {
		case "init":
			navigating = true
		case "networkIdle":
			if navigating {
				once.Do(func() { close(idle) })
			}
		}
	})

	return s.run(ctx, timeout,
		page.SetLifecycleEventsEnabled(true),
		chromedp.Navigate(url),
		chromedp.ActionFunc(func(ctx context.Context) error {
			select {
			case <-idle:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("wait for network idle: %w", ctx.Err())
			}
		}),
	)
}

func (s *chromeSession) Evaluate(ctx context.Context, script string, res any) error {
	return s.run(ctx, 0, chromedp.Evaluate(script, res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

func (s *chromeSession) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	// Quality 100 selects PNG encoding.
	if err := s.run(ctx, 0, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *chromeSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = chromedp.Cancel(s.ctx)
		s.cancel()
	})
	return err
}

var (
	_ Browser = (*ChromeBrowser)(nil)
	_ Session = (*chromeSession)(nil)
)
