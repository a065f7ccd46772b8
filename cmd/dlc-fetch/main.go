package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/yoyicue/2simply-dlc-manager/internal/config"
	"github.com/yoyicue/2simply-dlc-manager/internal/downloader"
	"github.com/yoyicue/2simply-dlc-manager/internal/events"
	"github.com/yoyicue/2simply-dlc-manager/internal/existence"
	"github.com/yoyicue/2simply-dlc-manager/internal/session"
	"github.com/yoyicue/2simply-dlc-manager/internal/state"
)

func main() {
	var (
		manifestPath = flag.String("manifest", "", "Path to filename-to-hash manifest JSON")
		statePath    = flag.String("state", "", "Path to persisted download state (default: per-user config dir)")
		outDir       = flag.String("out", "", "Directory to store downloaded files (default: from saved state)")
		configPath   = flag.String("config", "", "Optional YAML settings file")
		baseURL      = flag.String("base-url", "", "Override asset base URL")
		conc         = flag.Int("concurrency", 0, "Max concurrent downloads (0=from settings)")
		timeout      = flag.Duration("timeout", 0, "Per-request base timeout (0=from settings)")
		retries      = flag.Int("retries", 0, "Retry attempts for transient errors (0=from settings)")
		noResume     = flag.Bool("no-resume", false, "Disable HTTP Range resume of partial files")
		noVerify     = flag.Bool("no-verify", false, "Skip content-hash check after each download")
		transferLog  = flag.String("transfer-log", "", "Write a JSONL record per processed file")
		progIntv     = flag.Duration("progress-interval", 10*time.Second, "Periodic progress logging interval (0=disabled)")
		listenAddr   = flag.String("listen", "", "Serve Prometheus metrics and pprof at this address (e.g., :9090)")
		requeueFail  = flag.Bool("requeue-failed", false, "Reset FAILED entries to PENDING before downloading")
		requeueVFail = flag.Bool("requeue-verify-failed", false, "Reset VERIFY_FAILED entries to PENDING before downloading")
		redownload   = flag.String("redownload", "", "Comma-separated filenames to force re-download")
		clearState   = flag.Bool("clear-state", false, "Delete the persisted state file and exit")
		statsOnly    = flag.Bool("stats", false, "Print state statistics and exit")
		logFormat    = flag.String("log-format", "text", "Logging format: text|json")
		logLevel     = flag.String("log-level", "info", "Logging level: debug|info|warn|error")
	)
	flag.Parse()

	setupLogging(*logFormat, *logLevel)

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("load settings failed", "path", *configPath, "err", err)
			os.Exit(2)
		}
		cfg = loaded
	}
	if *baseURL != "" {
		cfg.AssetBaseURL = *baseURL
	}
	if *conc > 0 {
		cfg.ConcurrentRequests = *conc
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *retries > 0 {
		cfg.MaxRetries = *retries
	}
	if *noResume {
		cfg.EnableResume = false
	}
	if *noVerify {
		cfg.VerifyIntegrity = false
	}
	cfg.Clamp()

	sp := *statePath
	if sp == "" {
		sp = state.DefaultStatePath("dlc-manager", "download_state.json")
	}

	sess := session.New(cfg, sp, 4096)
	if err := sess.Load(); err != nil {
		slog.Error("load state failed", "path", sp, "err", err)
		os.Exit(1)
	}

	if *clearState {
		if err := sess.ClearState(); err != nil {
			slog.Error("clear state failed", "err", err)
			os.Exit(1)
		}
		fmt.Println("state cleared:", sp)
		return
	}

	if *manifestPath != "" {
		diff, err := sess.ApplyManifest(*manifestPath)
		if err != nil {
			slog.Error("load manifest failed", "path", *manifestPath, "err", err)
			os.Exit(1)
		}
		fmt.Printf("manifest: %d new, %d existing, %d updated, %d removed\n",
			diff.New, diff.Existing, diff.Updated, diff.Removed)
	}
	if len(sess.Records()) == 0 {
		slog.Error("no files to manage: provide -manifest or an existing -state")
		flag.CommandLine.SetOutput(os.Stderr)
		fmt.Fprintln(os.Stderr, "Usage: dlc-fetch -manifest <path> -out <dir> [options]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if *requeueFail {
		fmt.Printf("requeued %d failed files\n", sess.RequeueFailed())
	}
	if *requeueVFail {
		fmt.Printf("requeued %d verify-failed files\n", sess.RequeueVerifyFailed())
	}
	if *redownload != "" {
		names := strings.Split(*redownload, ",")
		for i := range names {
			names[i] = strings.TrimSpace(names[i])
		}
		fmt.Printf("marked %d files for re-download\n", sess.MarkForRedownload(names))
	}

	if *statsOnly {
		printStats(sess)
		return
	}

	dir := *outDir
	if dir == "" {
		dir = sess.OutputDir()
	}
	if dir == "" {
		slog.Error("missing output directory: provide -out")
		os.Exit(2)
	}
	sess.SetOutputDir(dir)

	dl := downloader.New(cfg, sess.Emitter)
	dl.SetBloomFilter(sess.Bloom)
	if *progIntv > 0 {
		dl.ProgressInterval(*progIntv)
	}
	if *transferLog != "" {
		f, err := os.Create(*transferLog)
		if err != nil {
			slog.Error("create transfer log failed", "err", err)
			os.Exit(1)
		}
		defer f.Close()
		dl.SetTransferLog(f)
	}
	if *listenAddr != "" {
		downloader.StartMetricsServer(*listenAddr)
	}

	checker := existence.NewChecker(cfg, sess.Bloom, sess.Emitter)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigC
		slog.Warn("interrupt received, finishing in-flight files")
		dl.Cancel()
		<-sigC
		stop()
	}()

	var drainWG sync.WaitGroup
	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		drainEvents(sess.Emitter)
	}()

	results, err := dl.DownloadFiles(ctx, sess.Records(), dir, checker)

	// Persist whatever happened, including a cancelled run.
	if serr := sess.Save(context.Background()); serr != nil {
		slog.Error("save state failed", "err", serr)
	}
	sess.Close()
	drainWG.Wait()

	if err != nil {
		color.Red("download failed: %v", err)
		os.Exit(1)
	}

	printSummary(sess, results)
	for _, r := range sess.Records() {
		if r.Status == state.StatusFailed || r.Status == state.StatusVerifyFailed {
			os.Exit(1)
		}
	}
}

func setupLogging(format, level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error", "err":
		lvl = slog.LevelError
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}

// drainEvents forwards the session event stream to the logger until the
// emitter closes. File-level noise stays at debug.
func drainEvents(em *events.Emitter) {
	for ev := range em.Events() {
		switch ev.Kind {
		case events.KindLog:
			slog.Info(ev.Message)
		case events.KindFileCompleted:
			if !ev.Success {
				slog.Debug("file_failed", "file", ev.Filename, "err", ev.Message)
			}
		case events.KindCheckProgress:
			slog.Debug("check_progress", "done", ev.Completed, "total", ev.Total)
		}
	}
}

func printStats(sess *session.Session) {
	stats := sess.Statistics()
	total, downloaded := sess.TotalSizes()
	fmt.Printf("files: %d\n", len(sess.Records()))
	order := []state.DownloadStatus{
		state.StatusCompleted, state.StatusPending, state.StatusDownloading,
		state.StatusFailed, state.StatusVerifyFailed, state.StatusSkipped, state.StatusCancelled,
	}
	for _, st := range order {
		if n := stats[st]; n > 0 {
			fmt.Printf("  %-14s %d\n", string(st), n)
		}
	}
	fmt.Printf("size: %s total, %s downloaded\n",
		humanize.Bytes(uint64(total)), humanize.Bytes(uint64(downloaded)))
}

func printSummary(sess *session.Session, results map[string]bool) {
	ok, failed := 0, 0
	for _, success := range results {
		if success {
			ok++
		} else {
			failed++
		}
	}
	color.Green("✓ %d files ok", ok)
	if failed > 0 {
		color.Red("✗ %d files failed", failed)
	}
	if untouched := len(sess.Records()) - len(results); untouched > 0 {
		color.Yellow("- %d files untouched", untouched)
	}
	_, downloaded := sess.TotalSizes()
	fmt.Printf("on disk: %s\n", humanize.Bytes(uint64(downloaded)))
}
