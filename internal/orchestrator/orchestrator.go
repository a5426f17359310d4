// Package orchestrator runs one schedule: for each locale it captures the
// page, compares it against the stored baseline, stores the images, and
// writes a test result. One locale failing never stops the others.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/pixlewatch/internal/domain"
	"github.com/djlord-it/pixlewatch/internal/imagediff"
	"github.com/djlord-it/pixlewatch/internal/metrics"
	"github.com/djlord-it/pixlewatch/internal/objectstore"
)

const (
	statusBaselineCreated = "Baseline image created."

	// resultWriteTimeout bounds the result insert, which runs even after the run context expires.
	resultWriteTimeout = 10 * time.Second
)

type Capturer interface {
	Capture(ctx context.Context, url string) ([]byte, error)
}

type Differ interface {
	ComparePNG(baselinePNG, currentPNG []byte) (imagediff.Result, []byte, error)
}

type ResultSink interface {
	InsertResult(ctx context.Context, result domain.TestResult) error
}

type AnalyticsSink interface {
	Record(ctx context.Context, result domain.TestResult)
}

type Breaker interface {
	Allow(target string) error
	RecordSuccess(target string)
	RecordFailure(target string)
}

// MetricsSink defines the interface for recording run metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	CaptureCompleted(outcome string, duration time.Duration)
	VerdictRecorded(verdict string)
	DiffObserved(percentage float64)
	BaselineRotated()
	ResultWriteError()
}

type Orchestrator struct {
	capturer  Capturer
	images    objectstore.Store
	differ    Differ
	results   ResultSink
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	breaker   Breaker       // optional, nil = disabled
	clock     func() time.Time
}

func New(capturer Capturer, images objectstore.Store, differ Differ, results ResultSink) *Orchestrator {
	return &Orchestrator{
		capturer: capturer,
		images:   images,
		differ:   differ,
		results:  results,
		clock:    time.Now,
	}
}

func (o *Orchestrator) WithAnalytics(sink AnalyticsSink) *Orchestrator {
	o.analytics = sink
	return o
}

// WithMetrics attaches a metrics sink to the orchestrator.
func (o *Orchestrator) WithMetrics(sink MetricsSink) *Orchestrator {
	o.metrics = sink
	return o
}

func (o *Orchestrator) WithBreaker(b Breaker) *Orchestrator {
	o.breaker = b
	return o
}

// WithClock sets the time source. Used by tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// ResolveURL substitutes locale for every placeholder in template.
func ResolveURL(template, locale string) string {
	return strings.ReplaceAll(template, domain.LocalePlaceholder, locale)
}

// RunSchedule runs every locale of s in order and returns one result per locale.
func (o *Orchestrator) RunSchedule(ctx context.Context, s domain.Schedule) []domain.TestResult {
	return o.Run(ctx, s.ID, s.URLTemplate, s.Locales)
}

// Run is RunSchedule for an ad-hoc template; scheduleID may be uuid.Nil.
func (o *Orchestrator) Run(ctx context.Context, scheduleID uuid.UUID, urlTemplate string, locales []string) []domain.TestResult {
	results := make([]domain.TestResult, 0, len(locales))
	for _, locale := range locales {
		result := o.runLocale(ctx, scheduleID, urlTemplate, locale)
		o.record(ctx, result)
		results = append(results, result)
	}
	return results
}

func (o *Orchestrator) runLocale(ctx context.Context, scheduleID uuid.UUID, urlTemplate, locale string) domain.TestResult {
	now := o.clock().UTC()
	url := ResolveURL(urlTemplate, locale)
	slug := objectstore.Slug(url)
	baselineKey := objectstore.BaselineKey(slug)

	result := domain.TestResult{
		ID:           uuid.New(),
		ScheduleID:   scheduleID,
		TestedAt:     now,
		URL:          url,
		Locale:       locale,
		BaselinePath: baselineKey,
	}

	current, err := o.capture(ctx, url)
	if err != nil {
		return failed(result, err)
	}

	info, err := o.images.Stat(ctx, baselineKey)
	if errors.Is(err, objectstore.ErrObjectNotFound) {
		return o.createBaseline(ctx, result, slug, current)
	}
	if err != nil {
		return failed(result, fmt.Errorf("%w: stat baseline: %w", domain.ErrStorage, err))
	}

	baseline, err := o.images.Get(ctx, baselineKey)
	if err != nil {
		return failed(result, fmt.Errorf("%w: get baseline: %w", domain.ErrStorage, err))
	}

	diff, diffPNG, err := o.differ.ComparePNG(baseline, current)
	if err != nil {
		return failed(result, err)
	}

	currentKey := objectstore.RunKey(objectstore.KindCurrent, slug, now)
	diffKey := objectstore.RunKey(objectstore.KindDiff, slug, now)
	if err := o.images.Put(ctx, currentKey, current); err != nil {
		return failed(result, fmt.Errorf("%w: put current: %w", domain.ErrStorage, err))
	}
	if err := o.images.Put(ctx, diffKey, diffPNG); err != nil {
		return failed(result, fmt.Errorf("%w: put diff: %w", domain.ErrStorage, err))
	}

	pct := diff.Percentage
	result.CurrentPath = currentKey
	result.DiffPath = diffKey
	result.DiffPercentage = &pct
	result.DiffPixels = diff.DiffPixels
	if pct > domain.FailThresholdPercent {
		result.Verdict = domain.VerdictFail
		result.Status = fmt.Sprintf("Detected %d pixel differences (%.2f%%).", diff.DiffPixels, pct)
	} else {
		result.Verdict = domain.VerdictPass
		result.Status = fmt.Sprintf("Acceptable differences: %.2f%% different.", pct)
	}
	if o.metrics != nil {
		o.metrics.DiffObserved(pct)
	}

	if !sameDay(info.LastModified, now) {
		o.rotateBaseline(ctx, baselineKey, current, info.LastModified)
	}
	return result
}

// capture consults the breaker for url before driving the browser.
func (o *Orchestrator) capture(ctx context.Context, url string) ([]byte, error) {
	if o.breaker != nil {
		if err := o.breaker.Allow(url); err != nil {
			o.observeCapture(err, 0)
			return nil, fmt.Errorf("%w: %w", domain.ErrCapture, err)
		}
	}

	start := o.clock()
	png, err := o.capturer.Capture(ctx, url)
	o.observeCapture(err, o.clock().Sub(start))

	if o.breaker != nil {
		if err != nil {
			o.breaker.RecordFailure(url)
		} else {
			o.breaker.RecordSuccess(url)
		}
	}
	return png, err
}

func (o *Orchestrator) observeCapture(err error, d time.Duration) {
	if o.metrics != nil {
		o.metrics.CaptureCompleted(metrics.ClassifyCapture(err), d)
	}
}

// createBaseline stores the first capture as both baseline and current image.
func (o *Orchestrator) createBaseline(ctx context.Context, result domain.TestResult, slug string, current []byte) domain.TestResult {
	if err := o.images.Put(ctx, result.BaselinePath, current); err != nil {
		return failed(result, fmt.Errorf("%w: put baseline: %w", domain.ErrStorage, err))
	}
	currentKey := objectstore.RunKey(objectstore.KindCurrent, slug, result.TestedAt)
	if err := o.images.Put(ctx, currentKey, current); err != nil {
		return failed(result, fmt.Errorf("%w: put current: %w", domain.ErrStorage, err))
	}

	result.Verdict = domain.VerdictNull
	result.Status = statusBaselineCreated
	result.CurrentPath = currentKey
	return result
}

// rotateBaseline replaces a baseline from an earlier day. Failure keeps the
// old baseline and leaves the verdict untouched.
func (o *Orchestrator) rotateBaseline(ctx context.Context, key string, current []byte, lastModified time.Time) {
	if err := o.images.Put(ctx, key, current); err != nil {
		log.Printf("orchestrator: rotate baseline=%s: %v", key, err)
		return
	}
	log.Printf("orchestrator: rotated baseline=%s last_modified=%s", key, lastModified.UTC().Format(time.RFC3339))
	if o.metrics != nil {
		o.metrics.BaselineRotated()
	}
}

// record persists result and feeds the side channels. A write failure loses
// only this record.
func (o *Orchestrator) record(ctx context.Context, result domain.TestResult) {
	diff := -1.0
	if result.DiffPercentage != nil {
		diff = *result.DiffPercentage
	}
	log.Printf("orchestrator: schedule=%s url=%s verdict=%s diff=%.2f status=%q",
		result.ScheduleID, result.URL, result.Verdict, diff, result.Status)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultWriteTimeout)
	defer cancel()

	if err := o.results.InsertResult(writeCtx, result); err != nil {
		log.Printf("orchestrator: write result url=%s: %v", result.URL, err)
		if o.metrics != nil {
			o.metrics.ResultWriteError()
		}
	}
	if o.metrics != nil {
		o.metrics.VerdictRecorded(string(result.Verdict))
	}
	if o.analytics != nil {
		o.analytics.Record(writeCtx, result)
	}
}

func failed(result domain.TestResult, err error) domain.TestResult {
	result.Verdict = domain.VerdictError
	result.Status = err.Error()
	result.CurrentPath = ""
	result.DiffPath = ""
	result.DiffPercentage = nil
	result.DiffPixels = 0
	return result
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
