// Command runonce captures and compares one URL template across locales
// without registering a schedule.
//
//	runonce '{"url_template":"https://example.com/{locale}","locales":["en","fr"]}'
//
// Results are printed as JSON and, when DATABASE_URL is set, stored with a nil schedule id.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	_ "github.com/lib/pq"

	"github.com/djlord-it/pixlewatch/internal/capture"
	"github.com/djlord-it/pixlewatch/internal/config"
	"github.com/djlord-it/pixlewatch/internal/domain"
	"github.com/djlord-it/pixlewatch/internal/imagediff"
	"github.com/djlord-it/pixlewatch/internal/objectstore"
	"github.com/djlord-it/pixlewatch/internal/orchestrator"
	"github.com/djlord-it/pixlewatch/internal/store/postgres"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidInput  = 2
	exitInvalidConfig = 3
)

// runRequest is the single JSON argument.
type runRequest struct {
	URLTemplate string   `json:"url_template"`
	Locales     []string `json:"locales"`
}

type resultOutput struct {
	URL            string   `json:"url"`
	Locale         string   `json:"locale"`
	Verdict        string   `json:"verdict"`
	Status         string   `json:"status"`
	BaselinePath   string   `json:"baseline_path,omitempty"`
	CurrentPath    string   `json:"current_path,omitempty"`
	DiffPath       string   `json:"diff_path,omitempty"`
	DiffPercentage *float64 `json:"diff_percentage"`
}

// logSink stands in for the results table when no database is configured.
type logSink struct{}

func (logSink) InsertResult(_ context.Context, r domain.TestResult) error {
	log.Printf("runonce: result url=%s verdict=%s", r.URL, r.Verdict)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, `usage: runonce '{"url_template":"https://example.com/{locale}","locales":["en"]}'`)
		return exitInvalidInput
	}

	req, err := parseRequest(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid request: %v\n", err)
		return exitInvalidInput
	}

	cfg := config.Load()
	if err := config.ValidateStandalone(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var results orchestrator.ResultSink = logSink{}
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
			return exitRuntimeError
		}
		defer db.Close()
		results = postgres.New(db).WithOpTimeout(cfg.DBOpTimeout)
	}

	images, err := objectstore.Open(cfg.StorageBackend, cfg.StorageDir, cfg.AzureConnectionString, cfg.AzureContainer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open image store: %v\n", err)
		return exitRuntimeError
	}

	browser, err := capture.NewChromeBrowser(ctx, capture.ChromeConfig{RemoteURL: cfg.ChromeURL})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start browser: %v\n", err)
		return exitRuntimeError
	}
	defer browser.Close()

	captureCfg := capture.DefaultConfig()
	if cfg.NavigationTimeout > 0 {
		captureCfg.NavigationTimeout = cfg.NavigationTimeout
	}

	orch := orchestrator.New(
		capture.NewPipeline(browser, captureCfg),
		images,
		imagediff.New(cfg.DiffPixelThreshold),
		results,
	)

	log.Printf("runonce: running url_template=%s locales=%d", req.URLTemplate, len(req.Locales))
	out := orch.Run(ctx, uuid.Nil, req.URLTemplate, req.Locales)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toOutput(out)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode results: %v\n", err)
		return exitRuntimeError
	}
	return exitSuccess
}

func parseRequest(raw string) (runRequest, error) {
	var req runRequest
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return runRequest{}, err
	}
	if strings.TrimSpace(req.URLTemplate) == "" {
		return runRequest{}, errors.New("url_template is required")
	}
	for i, l := range req.Locales {
		if strings.TrimSpace(l) == "" {
			return runRequest{}, fmt.Errorf("locales[%d] is empty", i)
		}
	}
	return req, nil
}

func toOutput(results []domain.TestResult) []resultOutput {
	out := make([]resultOutput, len(results))
	for i, r := range results {
		out[i] = resultOutput{
			URL:            r.URL,
			Locale:         r.Locale,
			Verdict:        string(r.Verdict),
			Status:         r.Status,
			BaselinePath:   r.BaselinePath,
			CurrentPath:    r.CurrentPath,
			DiffPath:       r.DiffPath,
			DiffPercentage: r.DiffPercentage,
		}
	}
	return out
}
