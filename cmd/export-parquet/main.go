// Command export-parquet dumps collected bar tables to partitioned parquet
// files for downstream analytics.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cndata/internal/calendar"
	"cndata/internal/config"
	"cndata/internal/domain"
	"cndata/internal/export"
	"cndata/internal/pool"
	"cndata/internal/store"
	"cndata/internal/util"
)

func main() {
	var (
		cfgPath = flag.String("config", envOr("CNDATA_CONFIG", "config/cndata.yaml"), "path to the YAML config file")
		freqs   = flag.String("freqs", "daily,weekly,monthly", "comma-separated bar frequencies to export")
		start   = flag.String("start", "1990-01-01", "range start YYYY-MM-DD")
		end     = flag.String("end", "", "range end YYYY-MM-DD (default: today)")
		outDir  = flag.String("dir", "", "output directory (default: storage.parquet_dir)")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("loading config %s: %v", *cfgPath, err)
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	if *end == "" {
		*end = time.Now().In(calendar.CST).Format(domain.DateLayout)
	}
	for _, d := range []string{*start, *end} {
		if _, err := domain.ParseDate(d); err != nil {
			log.Fatalf("invalid date %q: %v", d, err)
		}
	}
	if *outDir == "" {
		*outDir = cfg.Storage.ParquetDir
	}
	if *outDir == "" {
		log.Fatal("no output directory: set -dir or storage.parquet_dir")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Storage.SQLitePath, pool.Config{
		Size:           cfg.Storage.Pool.Size,
		Overflow:       cfg.Storage.Pool.Overflow,
		AcquireTimeout: time.Duration(cfg.Storage.Pool.AcquireTimeoutSec) * time.Second,
		RecycleAfter:   time.Duration(cfg.Storage.Pool.RecycleAfterMin) * time.Minute,
	})
	if err != nil {
		log.Fatalf("opening store %s: %v", cfg.Storage.SQLitePath, err)
	}
	defer st.Close()

	e := export.New(st, *outDir)

	total := 0
	for _, f := range strings.Split(*freqs, ",") {
		freq := domain.Frequency(strings.TrimSpace(f))
		if freq == "" {
			continue
		}
		if !freq.Valid() || freq.Intraday() {
			log.Fatalf("unsupported export frequency %q", freq)
		}
		files, err := e.ExportBars(ctx, freq, *start, *end)
		if err != nil {
			log.Fatalf("exporting %s bars: %v", freq, err)
		}
		logger.Info("exported", "freq", freq, "files", files)
		total += files
	}

	logger.Info("export finished", "dir", *outDir, "files", total)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
