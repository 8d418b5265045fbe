// Command backfill performs a one-shot historical load: it refreshes the
// trading calendar and instrument list, then fills daily bars for the whole
// universe across the requested date range. Fund flow and derived
// weekly/monthly bars are optional extras.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"cndata/internal/cache"
	"cndata/internal/calendar"
	"cndata/internal/collect"
	"cndata/internal/config"
	"cndata/internal/domain"
	"cndata/internal/pool"
	"cndata/internal/provider"
	"cndata/internal/store"
	"cndata/internal/util"
)

func main() {
	var (
		cfgPath  = flag.String("config", envOr("CNDATA_CONFIG", "config/cndata.yaml"), "path to the YAML config file")
		start    = flag.String("start", "", "range start YYYY-MM-DD (default: collection.start_date)")
		end      = flag.String("end", "", "range end YYYY-MM-DD (default: today)")
		fundflow = flag.Bool("fundflow", false, "also backfill fund-flow history")
		derive   = flag.Bool("derive", true, "also derive weekly and monthly bars")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("loading config %s: %v", *cfgPath, err)
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	if *start == "" {
		*start = cfg.Collection.StartDate
	}
	if *end == "" {
		*end = time.Now().In(calendar.CST).Format(domain.DateLayout)
	}
	for _, d := range []string{*start, *end} {
		if _, err := domain.ParseDate(d); err != nil {
			log.Fatalf("invalid date %q: %v", d, err)
		}
	}
	if *start > *end {
		log.Fatalf("start %s after end %s", *start, *end)
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

	cal, err := calendar.Load(ctx, st)
	if err != nil {
		log.Fatalf("loading trading calendar: %v", err)
	}

	client := provider.NewEastmoney(
		provider.WithBaseURLs(cfg.Provider.QuoteURL, cfg.Provider.HistURL),
	)
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.Collection.RateLimitPerMin)), 1)
	collector := collect.New(client, st, cal, cache.New(cfg.Collection.CacheCapacity), collect.Options{
		MaxRetries: cfg.Collection.MaxRetries,
		RetryDelay: time.Duration(cfg.Collection.RetryDelaySec) * time.Second,
		Limiter:    limiter,
		CacheTTL:   time.Duration(cfg.Collection.CacheTTLMin) * time.Minute,
	})

	logger.Info("backfill starting", "start", *start, "end", *end, "fundflow", *fundflow, "derive", *derive)

	if _, err := collector.Collect(ctx, collect.CalendarJob{}); err != nil {
		log.Fatalf("refreshing calendar: %v", err)
	}
	if _, err := collector.Collect(ctx, collect.InstrumentListJob{}); err != nil {
		log.Fatalf("refreshing instrument list: %v", err)
	}

	universe, err := collector.Universe(ctx)
	if err != nil {
		log.Fatalf("loading universe: %v", err)
	}
	logger.Info("universe loaded", "symbols", len(universe))

	var fetchJobs []collect.Job
	for _, inst := range universe {
		fetchJobs = append(fetchJobs, collect.DailyJob{Symbol: inst.Symbol, Freq: domain.FreqDaily, Start: *start, End: *end})
		if *fundflow {
			fetchJobs = append(fetchJobs, collect.FundFlowJob{Symbol: inst.Symbol, Start: *start, End: *end})
		}
	}

	total, err := runJobs(ctx, logger, collector, fetchJobs, cfg.Collection.MaxWorkers)
	if err != nil {
		logger.Warn("backfill interrupted", "error", err)
		os.Exit(1)
	}

	// Weekly and monthly bars aggregate the daily table, so they only run
	// once every daily job for the range has finished.
	if *derive {
		var deriveJobs []collect.Job
		for _, inst := range universe {
			deriveJobs = append(deriveJobs,
				collect.DeriveJob{Symbol: inst.Symbol, Target: domain.FreqWeekly, Start: *start, End: *end},
				collect.DeriveJob{Symbol: inst.Symbol, Target: domain.FreqMonthly, Start: *start, End: *end},
			)
		}
		derived, err := runJobs(ctx, logger, collector, deriveJobs, cfg.Collection.MaxWorkers)
		if err != nil {
			logger.Warn("backfill interrupted", "error", err)
			os.Exit(1)
		}
		total.Add(derived)
	}

	logger.Info("backfill finished",
		"succeeded", total.Succeeded,
		"skipped", total.Skipped,
		"failed", total.Failed,
		"rows", total.Rows,
	)
	if total.Failed > 0 {
		os.Exit(1)
	}
}

func runJobs(ctx context.Context, logger *slog.Logger, collector *collect.Collector, jobs []collect.Job, workers int) (collect.Result, error) {
	results := make([]collect.Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			res, err := job.Run(gctx, collector)
			results[i] = res
			if err != nil {
				logger.Error("job failed", "kind", job.Kind(), "error", err)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return collect.Result{}, err
	}
	var total collect.Result
	for _, res := range results {
		total.Add(res)
	}
	return total, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
