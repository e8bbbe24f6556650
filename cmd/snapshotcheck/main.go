package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-connect/internal/config"
	"spot-connect/internal/connector"
	"spot-connect/internal/core"
	"spot-connect/internal/exchange/binance"
	"spot-connect/internal/logging"
	"spot-connect/internal/metrics"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
	statusSkip checkStatus = "SKIP"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Symbols    []string      `json:"symbols"`
	Checks     []checkResult `json:"checks"`
}

type selectedChecks struct {
	snapshot bool
	signed   bool
	stream   bool
}

func main() {
	var (
		configPath  string
		envPath     string
		timeoutSec  int
		syncWaitSec int
		depth       int
		outJSONPath string
		checkFlag   string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", ".env", "optional env file with credentials")
	flag.IntVar(&timeoutSec, "timeout-sec", 60, "total timeout seconds")
	flag.IntVar(&syncWaitSec, "sync-wait-sec", 20, "wait seconds for every book to sync over the stream")
	flag.IntVar(&depth, "depth", 100, "snapshot depth")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.StringVar(&checkFlag, "check", "default", "checks to run: default | all | comma list (snapshot,signed,stream)")
	flag.Parse()

	if err := config.LoadEnvFile(envPath); err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 10 {
		timeoutSec = 10
	}
	if syncWaitSec < 3 {
		syncWaitSec = 3
	}
	logger, err := logging.New(cfg.Observability.LogLevel)
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	client, err := binance.NewClient(cfg, clock.New(), logger, metrics.Discard())
	if err != nil {
		fatal(err.Error())
	}

	r := report{
		StartedAt: time.Now().UTC(),
		Mode:      cfg.Mode,
		Symbols:   cfg.Symbols,
	}
	run := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		cr := checkResult{
			Name:       name,
			DurationMs: time.Since(start).Milliseconds(),
			Detail:     detail,
		}
		switch {
		case errors.Is(err, errSkipped):
			cr.Status = statusSkip
		case err != nil:
			cr.Status = statusFail
			cr.Error = err.Error()
		default:
			cr.Status = statusPass
		}
		r.Checks = append(r.Checks, cr)
		switch cr.Status {
		case statusPass:
			fmt.Printf("[PASS] %s (%dms)", name, cr.DurationMs)
			if cr.Detail != "" {
				fmt.Printf(" - %s", cr.Detail)
			}
			fmt.Println()
		case statusSkip:
			fmt.Printf("[SKIP] %s - %s\n", name, cr.Detail)
		default:
			fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
		}
	}

	if checks.snapshot {
		for _, raw := range cfg.Symbols {
			sym := core.Symbol(raw)
			run("rest_snapshot_"+raw, func() (string, error) {
				snap, err := client.FetchSnapshot(ctx, sym, depth)
				if err != nil {
					return "", err
				}
				return describeSnapshot(snap)
			})
		}
	}

	if checks.signed {
		run("signed_open_orders", func() (string, error) {
			if !client.HasCredentials() {
				return "no credentials configured", errSkipped
			}
			orders, err := client.OpenOrders(ctx, core.Symbol(cfg.Symbols[0]))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("symbol=%s open_orders=%d", cfg.Symbols[0], len(orders)), nil
		})
	}

	if checks.stream {
		run("stream_sync", func() (string, error) {
			return checkStreamSync(ctx, cfg, logger, time.Duration(syncWaitSec)*time.Second)
		})
	}

	r.FinishedAt = time.Now().UTC()
	printSummary(r)
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
	}
	for _, c := range r.Checks {
		if c.Status == statusFail {
			os.Exit(1)
		}
	}
}

var errSkipped = errors.New("skipped")

// checkStreamSync runs a full connector until every configured book is
// synced and the session is live.
func checkStreamSync(ctx context.Context, cfg config.Config, logger *zap.Logger, wait time.Duration) (string, error) {
	conn, err := connector.New(connector.Options{Config: cfg, Logger: logger})
	if err != nil {
		return "", err
	}
	runCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(runCtx) }()
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = conn.Shutdown(shutdownCtx)
	}()

	start := time.Now()
	for {
		select {
		case ev, ok := <-conn.Lifecycle():
			if !ok {
				if err := <-runErr; err != nil {
					return "", err
				}
				return "", fmt.Errorf("connector stopped before going live")
			}
			if ev.To != core.Live {
				continue
			}
			var parts []string
			for _, sym := range conn.Symbols() {
				bid, ask, err := conn.BestBidAsk(sym)
				if err != nil {
					return "", err
				}
				parts = append(parts, fmt.Sprintf("%s bid=%s ask=%s", sym, bid.Price, ask.Price))
			}
			return fmt.Sprintf("live_after=%s %s", time.Since(start).Round(time.Millisecond), strings.Join(parts, " ")), nil
		case <-runCtx.Done():
			return "", fmt.Errorf("books not synced within %s: state=%s", wait, conn.ConnectionState())
		}
	}
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "", "default":
		return selectedChecks{snapshot: true, stream: true}, nil
	case "all":
		return selectedChecks{snapshot: true, signed: true, stream: true}, nil
	}
	var out selectedChecks
	for _, part := range strings.Split(raw, ",") {
		switch strings.TrimSpace(part) {
		case "snapshot":
			out.snapshot = true
		case "signed":
			out.signed = true
		case "stream":
			out.stream = true
		case "":
		default:
			return selectedChecks{}, fmt.Errorf("unknown check %q", part)
		}
	}
	if !out.snapshot && !out.signed && !out.stream {
		return selectedChecks{}, errors.New("no checks selected")
	}
	return out, nil
}

// describeSnapshot summarizes a snapshot and rejects a crossed book.
func describeSnapshot(snap core.OrderBookSnapshot) (string, error) {
	bid, ask := snap.BestBid(), snap.BestAsk()
	detail := fmt.Sprintf("last_update_id=%d bids=%d asks=%d", snap.LastUpdateID, len(snap.Bids), len(snap.Asks))
	if bid.IsZero() || ask.IsZero() {
		return detail + " one_sided=true", nil
	}
	if bid.Price.Cmp(ask.Price) >= 0 {
		return detail, fmt.Errorf("crossed book: bid=%s ask=%s", bid.Price, ask.Price)
	}
	spreadBps := ask.Price.Sub(bid.Price).Div(ask.Price.Add(bid.Price).Div(decimal.NewFromInt(2))).Mul(decimal.NewFromInt(10000))
	return fmt.Sprintf("%s bid=%s ask=%s spread_bps=%s", detail, bid.Price, ask.Price, spreadBps.StringFixed(2)), nil
}

func printSummary(r report) {
	counts := map[checkStatus]int{}
	for _, c := range r.Checks {
		counts[c.Status]++
	}
	fmt.Printf("\nsummary mode=%s symbols=%s pass=%d fail=%d skip=%d duration=%s\n",
		r.Mode,
		strings.Join(r.Symbols, ","),
		counts[statusPass],
		counts[statusFail],
		counts[statusSkip],
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
