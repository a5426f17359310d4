// Package capture turns a resolved URL into a stabilized full-page PNG.
package capture

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/djlord-it/pixlewatch/internal/domain"
)

// Browser opens isolated browsing sessions.
type Browser interface {
	NewSession(ctx context.Context) (Session, error)
}

// Session is one page handle. Close must be safe to call once on every path.
type Session interface {
	// Navigate loads url and waits for network idle, bounded by timeout.
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	// Evaluate runs script in the page, awaiting a returned promise, and
	// decodes the result into res when res is non-nil.
	Evaluate(ctx context.Context, script string, res any) error
	// Screenshot captures the whole scrollable page as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Config controls the stabilization sequence.
type Config struct {
	SettleBefore      time.Duration
	SettleAfter       time.Duration
	NavigationTimeout time.Duration
	ScrollStep        int
	ScrollInterval    time.Duration
	// MaxScrollSteps bounds the scroll loop on infinite-scroll pages.
	MaxScrollSteps int
}

func DefaultConfig() Config {
	return Config{
		SettleBefore:      6 * time.Second,
		SettleAfter:       2 * time.Second,
		NavigationTimeout: 30 * time.Second,
		ScrollStep:        100,
		ScrollInterval:    100 * time.Millisecond,
		MaxScrollSteps:    1000,
	}
}

const (
	fontsReadyScript = `document.fonts.ready.then(() => true)`

	pauseCarouselsScript = `(() => {
	let paused = 0;
	document.querySelectorAll('button.carousel-control-autoplay').forEach((b) => {
		if (b.getAttribute('aria-pressed') === 'false') { b.click(); paused++; }
	});
	return paused;
})()`

	// scrollScript scrolls by one step and returns the remaining scrollable distance.
	scrollScript = `(() => {
	window.scrollBy(0, %d);
	return document.body.scrollHeight - window.innerHeight;
})()`
)

// Pipeline drives one session per Capture call.
type Pipeline struct {
	browser Browser
	config  Config
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewPipeline(browser Browser, config Config) *Pipeline {
	return &Pipeline{
		browser: browser,
		config:  config,
		sleep:   sleepContext,
	}
}

// WithSleep replaces the delay function. Used by tests.
func (p *Pipeline) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Pipeline {
	p.sleep = sleep
	return p
}

// Capture returns a full-page PNG of url. Every failure wraps domain.ErrCapture.
func (p *Pipeline) Capture(ctx context.Context, url string) ([]byte, error) {
	sess, err := p.browser.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: new session: %w", domain.ErrCapture, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Printf("capture: url=%s close session: %v", url, err)
		}
	}()

	if err := p.sleep(ctx, p.config.SettleBefore); err != nil {
		return nil, fmt.Errorf("%w: settle: %w", domain.ErrCapture, err)
	}

	if err := sess.Navigate(ctx, url, p.config.NavigationTimeout); err != nil {
		return nil, fmt.Errorf("%w: navigate %s: %w", domain.ErrCapture, url, err)
	}

	var fontsReady bool
	if err := sess.Evaluate(ctx, fontsReadyScript, &fontsReady); err != nil {
		return nil, fmt.Errorf("%w: fonts: %w", domain.ErrCapture, err)
	}

	var paused int
	if err := sess.Evaluate(ctx, pauseCarouselsScript, &paused); err != nil {
		log.Printf("capture: url=%s pause carousels: %v", url, err)
	} else if paused > 0 {
		log.Printf("capture: url=%s paused %d carousels", url, paused)
	}

	if err := p.scroll(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: scroll: %w", domain.ErrCapture, err)
	}

	if err := p.sleep(ctx, p.config.SettleAfter); err != nil {
		return nil, fmt.Errorf("%w: settle: %w", domain.ErrCapture, err)
	}

	png, err := sess.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: screenshot: %w", domain.ErrCapture, err)
	}
	if len(png) == 0 {
		return nil, fmt.Errorf("%w: screenshot: empty image", domain.ErrCapture)
	}
	return png, nil
}

// scroll walks the page height in fixed steps so lazy content renders.
func (p *Pipeline) scroll(ctx context.Context, sess Session) error {
	step := p.config.ScrollStep
	if step <= 0 {
		return nil
	}
	script := fmt.Sprintf(scrollScript, step)

	total := 0
	for i := 0; p.config.MaxScrollSteps <= 0 || i < p.config.MaxScrollSteps; i++ {
		var limit float64
		if err := sess.Evaluate(ctx, script, &limit); err != nil {
			return err
		}
		total += step
		if float64(total) >= limit {
			return nil
		}
		if err := p.sleep(ctx, p.config.ScrollInterval); err != nil {
			return err
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
