// Command spider-worker is the reference worker binary. It follows the
// invocation contract the lifecycle manager uses: it receives a task id, an
// output path, and settings, crawls the configured start URL, and appends
// one JSON record per fetched page to the output file.
package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spiderkeeper/internal/logging"
)

type workerFlags struct {
	taskID    string
	output    string
	project   string
	spider    string
	settings  []string
	userAgent string
}

// pageRecord is the per-page output line. The url field doubles as the
// orchestrator's dedup identity.
type pageRecord struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Project   string `json:"project"`
	Spider    string `json:"spider"`
	FetchedAt string `json:"fetched_at"`
	Bytes     int    `json:"bytes"`
}

func main() {
	flags := workerFlags{}
	cmd := &cobra.Command{
		Use:          "spider-worker",
		Short:        "Reference crawl worker emitting line-delimited JSON",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(flags)
		},
	}
	cmd.Flags().StringVar(&flags.taskID, "task-id", "", "task identifier")
	cmd.Flags().StringVar(&flags.output, "output", "", "output file path")
	cmd.Flags().StringVar(&flags.project, "project", "", "project name")
	cmd.Flags().StringVar(&flags.spider, "spider", "", "spider name")
	cmd.Flags().StringArrayVar(&flags.settings, "setting", nil, "worker setting key=value (repeatable)")
	cmd.Flags().StringVar(&flags.userAgent, "user-agent", "spiderkeeper-bot/0.1", "http user agent")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags workerFlags) error {
	logger, err := logging.New(true)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if flags.output == "" {
		return fmt.Errorf("--output is required")
	}
	settings := parseSettings(flags.settings)
	startURL := settings["start_url"]
	if startURL == "" {
		return fmt.Errorf("setting start_url is required")
	}
	parsed, err := url.Parse(startURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("invalid start_url %q", startURL)
	}

	out, err := os.OpenFile(flags.output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer out.Close()

	maxDepth := 2
	if raw := settings["depth"]; raw != "" {
		if d, err := strconv.Atoi(raw); err == nil && d > 0 {
			maxDepth = d
		}
	}

	var stopping atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("stop signal received, finishing in-flight requests",
			zap.String("signal", sig.String()))
		stopping.Store(true)
	}()

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Host),
		colly.MaxDepth(maxDepth),
		colly.UserAgent(flags.userAgent),
		colly.Async(true),
	)
	collector.AllowURLRevisit = false
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 2,
		Delay:       200 * time.Millisecond,
	}); err != nil {
		return fmt.Errorf("set collector limits: %w", err)
	}

	var writeMu sync.Mutex
	encoder := json.NewEncoder(out)

	collector.OnRequest(func(r *colly.Request) {
		if stopping.Load() {
			r.Abort()
		}
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if err := e.Request.Visit(e.Attr("href")); err != nil {
			logger.Debug("skip link", zap.String("href", e.Attr("href")), zap.Error(err))
		}
	})
	collector.OnHTML("html", func(e *colly.HTMLElement) {
		record := pageRecord{
			URL:       e.Request.URL.String(),
			Title:     e.ChildText("title"),
			Project:   flags.project,
			Spider:    flags.spider,
			FetchedAt: time.Now().UTC().Format(time.RFC3339),
			Bytes:     len(e.Response.Body),
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := encoder.Encode(record); err != nil {
			logger.Error("write record", zap.String("url", record.URL), zap.Error(err))
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		logger.Warn("request failed",
			zap.String("url", r.Request.URL.String()),
			zap.Int("status", r.StatusCode),
			zap.Error(err),
		)
	})

	logger.Info("crawl starting",
		zap.String("task_id", flags.taskID),
		zap.String("project", flags.project),
		zap.String("spider", flags.spider),
		zap.String("start_url", startURL),
		zap.Int("max_depth", maxDepth),
	)
	if err := collector.Visit(startURL); err != nil {
		return fmt.Errorf("visit start url: %w", err)
	}
	collector.Wait()

	if stopping.Load() {
		logger.Info("crawl stopped by signal")
	} else {
		logger.Info("crawl finished")
	}
	return nil
}

func parseSettings(pairs []string) map[string]string {
	settings := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		for i := 0; i < len(pair); i++ {
			if pair[i] == '=' {
				settings[pair[:i]] = pair[i+1:]
				break
			}
		}
	}
	return settings
}
