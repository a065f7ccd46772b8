package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/yoyicue/2simply-dlc-manager/internal/config"
	"github.com/yoyicue/2simply-dlc-manager/internal/session"
	"github.com/yoyicue/2simply-dlc-manager/internal/state"
	"github.com/yoyicue/2simply-dlc-manager/internal/verify"
)

func main() {
	var (
		statePath  = flag.String("state", "", "Path to persisted download state (default: per-user config dir)")
		outDir     = flag.String("out", "", "Directory holding downloaded files (default: from saved state)")
		configPath = flag.String("config", "", "Optional YAML settings file")
		cachePath  = flag.String("cache", "", "SQLite hash cache path (empty=disabled)")
		onlyStatus = flag.String("status", "", "Verify only records with this status (default: all with a hash)")
		staleOnly  = flag.Bool("stale", false, "Verify only completed files whose disk check has aged out")
		failFast   = flag.Bool("fail-fast", false, "Stop at the first mismatch")
		showAll    = flag.Bool("show-all", false, "Print every result, not just mismatches")
		logFormat  = flag.String("log-format", "text", "Logging format: text|json")
		logLevel   = flag.String("log-level", "warn", "Logging level: debug|info|warn|error")
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
	if len(sess.Records()) == 0 {
		slog.Error("no state found", "path", sp)
		os.Exit(2)
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

	records := sess.Records()
	switch {
	case *staleOnly:
		records = sess.StaleCompleted()
	case *onlyStatus != "":
		records = sess.Filter(state.DownloadStatus(strings.ToLower(*onlyStatus)), "")
	}
	if len(records) == 0 {
		fmt.Println("nothing to verify")
		return
	}

	ctx := context.Background()
	var cache *verify.ResultCache
	if *cachePath != "" {
		c, err := verify.OpenResultCache(ctx, *cachePath)
		if err != nil {
			slog.Error("open hash cache failed", "err", err)
			os.Exit(1)
		}
		defer c.Close()
		cache = c
	}

	v := verify.NewVerifier(cache, sess.Emitter)

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigC
		slog.Warn("interrupt received, finishing in-flight files")
		v.Cancel()
	}()

	go func() {
		for range sess.Emitter.Events() {
		}
	}()

	start := time.Now()
	fmt.Printf("verifying %d files with %d workers\n", len(records), verify.OptimalWorkers(len(records)))

	summary, err := v.VerifyParallel(ctx, records, dir, func(res verify.Result) {
		switch {
		case res.Err != "":
			color.Red("! %s: %s", res.Filename, res.Err)
		case !res.Match:
			color.Red("✗ %s: expected %s, got %s", res.Filename, res.Expected, res.Calculated)
			if *failFast {
				v.Cancel()
			}
		case *showAll:
			from := ""
			if res.FromCache {
				from = " (cached)"
			}
			color.Green("✓ %s%s", res.Filename, from)
		}
	})

	if serr := sess.Save(context.Background()); serr != nil {
		slog.Error("save state failed", "err", serr)
	}
	sess.Close()

	if err != nil {
		color.Red("verification failed: %v", err)
		os.Exit(1)
	}

	fmt.Printf("checked %d files (%s) in %s\n",
		summary.Checked, humanize.Bytes(uint64(summary.Bytes)), time.Since(start).Round(time.Millisecond))
	color.Green("✓ %d matched", summary.Matched)
	if summary.Mismatched > 0 {
		color.Red("✗ %d mismatched", summary.Mismatched)
	}
	if summary.Errored > 0 {
		color.Yellow("! %d errored (missing or unreadable)", summary.Errored)
	}
	if summary.Mismatched > 0 || summary.Errored > 0 {
		os.Exit(1)
	}
}

func setupLogging(format, level string) {
	lvl := slog.LevelWarn
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
