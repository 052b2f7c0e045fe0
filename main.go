// Creator content tracker (Go)
// ----------------------------
//
// Continuously discovers new content published by a tracked author, resolves
// each discovery to canonical item metadata, expands transitively through the
// platform's related-item recommendations, and deduplicates/filters results
// before handing them to export and notification sinks.
//
//   - Cursor-bounded feed polling (latest + history endpoints per content type)
//   - Repost forward resolution with a per-cycle cache
//   - Two-stage statistical quality gate over related-item neighborhoods
//   - Pluggable durable state: Postgres, SQLite, flat files, or in-memory
//   - Append-only CSV sink with sidecar ID index; optional Postgres sink
//   - Adaptive outbound rate (AIMD) with platform cool-off handling
//   - Embedded /metrics (Prometheus) and /debug/pprof/*
//
// All connector logic is behind adapters.PlatformAdapter; the default
// adapter is offline-safe mock mode.
//
// Configuration is primarily via environment variables (flags can override):
//   AUTHOR_ID, CONTENT_TYPES, STORE, PG_DSN, SQLITE_PATH, OUT_CSV,
//   POLL_SEC, RETRO_SPEC, MAX_DEPTH, FILTER_THRESHOLD, METRICS_ADDR, ...
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"creator-tracker-template/adapters"
)

// ───────── Defaults ─────────

const (
	defaultPollSec      = 600
	defaultCooldownSec  = 1800
	defaultRetroSpec    = "@every 12h"
	defaultThreshold    = 0.8
	defaultBypassHours  = 24
	defaultMaxDepth     = 1
	defaultMaxPerSource = 10
	defaultSampleSize   = 5
	defaultBatchSize    = 5
)

// ───────── Config ─────────

type config struct {
	authorID uint64
	types    string

	maxHistoryDays  int
	retroWindowDays int
	pollSec         int
	cooldownSec     int
	retroSpec       string
	daemon          bool

	maxDepth     int
	maxPerSource int
	sampleSize   int
	batchSize    int
	threshold    float64
	bypassHours  int
	maxPages     int

	requestDelayMs int
	pageDelayMs    int

	rps      float64
	minRPS   float64
	maxRPS   float64
	retryMax int

	whitelist  string
	blacklist  string
	categories string

	// Adapter
	adapter string
	baseURL string

	// Durable state
	storeKind    string
	pgDSN        string
	pgSchema     string
	pgMaxConns   int
	pgViaBouncer bool
	sqlitePath   string
	stateDir     string

	// Sinks
	outCSV     string
	exportPG   bool
	tgToken    string
	tgChatID   int64
	webhookURL string

	metricsAddr string
	jsonLogs    bool
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

func envUint64(key string, def uint64) uint64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func parseFlags() config {
	var cfg config

	flag.Uint64Var(&cfg.authorID, "author-id", envUint64("AUTHOR_ID", 0), "Tracked author id (required). Env: AUTHOR_ID")
	flag.StringVar(&cfg.types, "content-types", envString("CONTENT_TYPES", "post,video,repost"), "Comma-separated content types to poll. Env: CONTENT_TYPES")

	flag.IntVar(&cfg.maxHistoryDays, "max-history-days", envInt("MAX_HISTORY_DAYS", 7), "Regular poll window in days. Env: MAX_HISTORY_DAYS")
	flag.IntVar(&cfg.retroWindowDays, "retro-window-days", envInt("RETRO_WINDOW_DAYS", 30), "Retrospective scan window in days. Env: RETRO_WINDOW_DAYS")
	flag.IntVar(&cfg.pollSec, "poll-sec", envInt("POLL_SEC", defaultPollSec), "Seconds between polls in daemon mode. Env: POLL_SEC")
	flag.IntVar(&cfg.cooldownSec, "cooldown-sec", envInt("COOLDOWN_SEC", defaultCooldownSec), "Backoff after an aborted cycle (seconds). Env: COOLDOWN_SEC")
	flag.StringVar(&cfg.retroSpec, "retro-spec", envString("RETRO_SPEC", defaultRetroSpec), "Cron spec for retrospective scans (empty disables). Env: RETRO_SPEC")
	flag.BoolVar(&cfg.daemon, "daemon", envBool("DAEMON", false), "Run forever: poll, sleep, repeat. Env: DAEMON")

	flag.IntVar(&cfg.maxDepth, "max-depth", envInt("MAX_DEPTH", defaultMaxDepth), "Related-item expansion depth. Env: MAX_DEPTH")
	flag.IntVar(&cfg.maxPerSource, "max-per-source", envInt("MAX_PER_SOURCE", defaultMaxPerSource), "Related candidates taken per source item. Env: MAX_PER_SOURCE")
	flag.IntVar(&cfg.sampleSize, "sample-size", envInt("SAMPLE_SIZE", defaultSampleSize), "Second-level neighborhood sample size. Env: SAMPLE_SIZE")
	flag.IntVar(&cfg.batchSize, "batch-size", envInt("BATCH_SIZE", defaultBatchSize), "Sources expanded concurrently per depth level. Env: BATCH_SIZE")
	flag.Float64Var(&cfg.threshold, "filter-threshold", envFloat("FILTER_THRESHOLD", defaultThreshold), "Quality gate rejection-rate threshold [0,1]. Env: FILTER_THRESHOLD")
	flag.IntVar(&cfg.bypassHours, "new-item-bypass-hours", envInt("NEW_ITEM_BYPASS_HOURS", defaultBypassHours), "Items newer than this skip the first-level gate. Env: NEW_ITEM_BYPASS_HOURS")
	flag.IntVar(&cfg.maxPages, "max-pages", envInt("MAX_PAGES", 200), "Hard page cap per content type per cycle. Env: MAX_PAGES")

	flag.IntVar(&cfg.requestDelayMs, "request-delay-ms", envInt("REQUEST_DELAY_MS", 1000), "Delay between detail fetches in a batch (ms). Env: REQUEST_DELAY_MS")
	flag.IntVar(&cfg.pageDelayMs, "page-delay-ms", envInt("PAGE_DELAY_MS", 3000), "Delay between feed pages (ms). Env: PAGE_DELAY_MS")

	flag.Float64Var(&cfg.rps, "rps", envFloat("REQUEST_RPS", 1.0), "Starting outbound request rate (tokens/sec). Env: REQUEST_RPS")
	flag.Float64Var(&cfg.minRPS, "min-rps", envFloat("MIN_RPS", 0.2), "Rate floor after throttling. Env: MIN_RPS")
	flag.Float64Var(&cfg.maxRPS, "max-rps", envFloat("MAX_RPS", 4.0), "Rate ceiling. Env: MAX_RPS")
	flag.IntVar(&cfg.retryMax, "retry-max", envInt("RETRY_MAX", 2), "Retries per outbound fetch. Env: RETRY_MAX")

	flag.StringVar(&cfg.whitelist, "whitelist", envString("FILTER_WHITELIST", ""), "Comma-separated keywords an item must match (empty = accept all). Env: FILTER_WHITELIST")
	flag.StringVar(&cfg.blacklist, "blacklist", envString("FILTER_BLACKLIST", ""), "Comma-separated keywords that reject an item. Env: FILTER_BLACKLIST")
	flag.StringVar(&cfg.categories, "categories", envString("FILTER_CATEGORIES", ""), "Comma-separated allowed category ids (empty = all). Env: FILTER_CATEGORIES")

	// Adapter config
	flag.StringVar(&cfg.adapter, "platform-adapter", envString("PLATFORM_ADAPTER", "mock"), "Adapter: mock|http-json. Env: PLATFORM_ADAPTER")
	flag.StringVar(&cfg.baseURL, "platform-base-url", envString("PLATFORM_BASE_URL", "https://example-platform.invalid"), "Platform base URL (placeholder). Env: PLATFORM_BASE_URL")

	// Durable state
	flag.StringVar(&cfg.storeKind, "store", envString("STORE", "memory"), "State backend: postgres|sqlite|file|memory. Env: STORE")
	flag.StringVar(&cfg.pgDSN, "pg-dsn", envString("PG_DSN", ""), "Postgres DSN. Env: PG_DSN")
	flag.StringVar(&cfg.pgSchema, "pg-schema", envString("PG_SCHEMA", "public"), "Target Postgres schema. Env: PG_SCHEMA")
	flag.IntVar(&cfg.pgMaxConns, "pg-max-conns", envInt("PG_MAX_CONNS", 2), "DB max connections. Env: PG_MAX_CONNS")
	flag.BoolVar(&cfg.pgViaBouncer, "pg-via-bouncer", envBool("PG_VIA_BOUNCER", true), "Use simple protocol for PgBouncer txn pooling. Env: PG_VIA_BOUNCER")
	flag.StringVar(&cfg.sqlitePath, "sqlite-path", envString("SQLITE_PATH", ""), "SQLite database path. Env: SQLITE_PATH")
	flag.StringVar(&cfg.stateDir, "state-dir", envString("STATE_DIR", ""), "Directory for file-backed state. Env: STATE_DIR")

	// Sinks
	flag.StringVar(&cfg.outCSV, "out", envString("OUT_CSV", ""), "Output CSV path (append-only; empty disables). Env: OUT_CSV")
	flag.BoolVar(&cfg.exportPG, "export-pg", envBool("EXPORT_PG", false), "Also insert accepted items into Postgres (uses -pg-dsn). Env: EXPORT_PG")
	flag.StringVar(&cfg.tgToken, "tg-token", envString("TG_TOKEN", ""), "Telegram bot token (empty disables). Env: TG_TOKEN")
	flag.Int64Var(&cfg.tgChatID, "tg-chat-id", envInt64("TG_CHAT_ID", 0), "Telegram chat id. Env: TG_CHAT_ID")
	flag.StringVar(&cfg.webhookURL, "webhook-url", envString("WEBHOOK_URL", ""), "POST cycle summaries to this URL (empty disables). Env: WEBHOOK_URL")

	flag.StringVar(&cfg.metricsAddr, "metrics", envString("METRICS_ADDR", ""), "Serve /metrics and /debug/pprof/* on this address, e.g. :6060. Env: METRICS_ADDR")
	flag.BoolVar(&cfg.jsonLogs, "json-logs", envBool("JSON_LOGS", false), "Emit a JSON summary line per cycle. Env: JSON_LOGS")

	flag.Parse()

	if cfg.authorID == 0 {
		fmt.Fprintln(os.Stderr, "--author-id / AUTHOR_ID is required")
		os.Exit(2)
	}
	if cfg.threshold < 0 || cfg.threshold > 1 {
		fmt.Fprintln(os.Stderr, "--filter-threshold must be within [0,1]")
		os.Exit(2)
	}
	if cfg.exportPG && cfg.pgDSN == "" {
		fmt.Fprintln(os.Stderr, "--export-pg requires --pg-dsn / PG_DSN")
		os.Exit(2)
	}
	if cfg.maxDepth < 0 {
		cfg.maxDepth = 0
	}
	if cfg.maxPerSource <= 0 {
		cfg.maxPerSource = defaultMaxPerSource
	}

	return cfg
}

func parseContentTypes(s string) []adapters.ContentType {
	var out []adapters.ContentType
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "post":
			out = append(out, adapters.TypePost)
		case "video":
			out = append(out, adapters.TypeVideo)
		case "repost":
			out = append(out, adapters.TypeRepost)
		case "":
		default:
			fmt.Fprintf(os.Stderr, "unknown content type %q\n", part)
			os.Exit(2)
		}
	}
	if len(out) == 0 {
		out = []adapters.ContentType{adapters.TypePost, adapters.TypeVideo, adapters.TypeRepost}
	}
	return out
}

func parseCategoryIDs(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad category id %q\n", part)
			os.Exit(2)
		}
		out = append(out, id)
	}
	return out
}

// ───────── Adapter selection ─────────

func buildAdapter(cfg config) adapters.PlatformAdapter {
	switch strings.ToLower(strings.TrimSpace(cfg.adapter)) {
	case "http-json", "httpjson", "http":
		a, err := adapters.NewHTTPJSONAdapter(adapters.HTTPJSONAdapterOptions{
			BaseURL:   cfg.baseURL,
			UserAgent: envString("HTTP_USER_AGENT", "creator-tracker-template/1.0"),
			Timeout:   25 * time.Second,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "adapter init failed; falling back to mock:", err)
			return adapters.NewMockAdapter(adapters.MockAdapterOptions{})
		}
		return a
	default:
		return adapters.NewMockAdapter(adapters.MockAdapterOptions{})
	}
}

// ───────── Wiring ─────────

func buildSinks(ctx context.Context, cfg config) ([]Exporter, []Notifier) {
	var exporters []Exporter
	if cfg.outCSV != "" {
		s, err := newCSVSink(cfg.outCSV)
		if err != nil {
			fmt.Fprintln(os.Stderr, "csv sink:", err)
			os.Exit(2)
		}
		exporters = append(exporters, s)
	}
	if cfg.exportPG {
		s, err := newPGSink(ctx, cfg.pgDSN, cfg.pgSchema, cfg.pgMaxConns, cfg.pgViaBouncer)
		if err != nil {
			fmt.Fprintln(os.Stderr, "pg sink:", err)
			os.Exit(2)
		}
		exporters = append(exporters, s)
	}

	var notifiers []Notifier
	if cfg.tgToken != "" && cfg.tgChatID != 0 {
		n, err := newTelegramNotifier(cfg.tgToken, cfg.tgChatID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "telegram:", err)
			os.Exit(2)
		}
		notifiers = append(notifiers, n)
	}
	if cfg.webhookURL != "" {
		notifiers = append(notifiers, newWebhookNotifier(cfg.webhookURL))
	}
	return exporters, notifiers
}

func trackerConfigFrom(cfg config) trackerConfig {
	return trackerConfig{
		AuthorID:        cfg.authorID,
		Types:           parseContentTypes(cfg.types),
		MaxHistoryDays:  cfg.maxHistoryDays,
		RetroWindowDays: cfg.retroWindowDays,
		PollEvery:       time.Duration(cfg.pollSec) * time.Second,
		Cooldown:        time.Duration(cfg.cooldownSec) * time.Second,
		RetroSpec:       cfg.retroSpec,
		PageDelay:       time.Duration(cfg.pageDelayMs) * time.Millisecond,
		RequestDelay:    time.Duration(cfg.requestDelayMs) * time.Millisecond,
		MaxPages:        cfg.maxPages,
		MaxDepth:        cfg.maxDepth,
		MaxPerSource:    cfg.maxPerSource,
		SampleSize:      cfg.sampleSize,
		BatchSize:       cfg.batchSize,
		Threshold:       cfg.threshold,
		NewItemBypass:   time.Duration(cfg.bypassHours) * time.Hour,
		RetryMax:        cfg.retryMax,
		RetryBase:       500 * time.Millisecond,
		GateCoolOff:     25 * time.Second,
	}
}

// ───────── Main ─────────

func main() {
	rand.Seed(time.Now().UnixNano())
	cfg := parseFlags()
	adapter := buildAdapter(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		fmt.Println("[main] stop requested")
		cancel()
	}()

	metrics := NewMetrics()
	startMetrics(cfg.metricsAddr, metrics)

	store, err := buildStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store:", err)
		os.Exit(2)
	}
	defer store.Close()

	exporters, notifiers := buildSinks(ctx, cfg)
	defer func() {
		for _, e := range exporters {
			_ = e.Close()
		}
	}()

	filter := NewContentFilter(
		splitCSV(cfg.whitelist), splitCSV(cfg.blacklist), parseCategoryIDs(cfg.categories))
	gate := newAdaptiveGate(gateConfig{
		startRPS:   cfg.rps,
		minRPS:     cfg.minRPS,
		maxRPS:     cfg.maxRPS,
		incStep:    0.1,
		incEveryOK: 32,
		jitterMs:   150,
	})

	tracker := newTracker(trackerConfigFrom(cfg), adapter, store, filter, gate, metrics, exporters, notifiers)

	if cfg.daemon {
		if err := tracker.Run(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	res, err := tracker.RunCycle(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cycle:", err)
		os.Exit(1)
	}
	printSummary(cfg, res)
}

func printSummary(cfg config, res CycleResult) {
	fmt.Printf("author=%d pages=%d accepted=%d cursor=%d duration=%0.2f\n",
		cfg.authorID, res.Pages, len(res.Accepted), res.MaxActivityID, res.Took.Seconds())
	if !cfg.jsonLogs {
		return
	}
	j := struct {
		Event       string  `json:"event"`
		AuthorID    uint64  `json:"author_id"`
		Kind        string  `json:"kind"`
		Pages       int     `json:"pages"`
		Accepted    int     `json:"accepted"`
		CursorID    uint64  `json:"cursor_id"`
		DurationSec float64 `json:"duration_sec"`
	}{
		Event:       "summary",
		AuthorID:    cfg.authorID,
		Kind:        res.Kind,
		Pages:       res.Pages,
		Accepted:    len(res.Accepted),
		CursorID:    res.MaxActivityID,
		DurationSec: res.Took.Seconds(),
	}
	if b, err := json.Marshal(j); err == nil {
		fmt.Println(string(b))
	}
}
