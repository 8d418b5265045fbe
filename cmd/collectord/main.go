// Command collectord runs the incremental market-data collection daemon:
// the cron-driven scheduler plus the read-only query API.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"cndata/internal/cache"
	"cndata/internal/calendar"
	"cndata/internal/collect"
	"cndata/internal/config"
	"cndata/internal/domain"
	"cndata/internal/httpapi"
	"cndata/internal/pool"
	"cndata/internal/provider"
	"cndata/internal/sched"
	"cndata/internal/store"
	"cndata/internal/util"
)

func main() {
	cfgPath := os.Getenv("CNDATA_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/cndata.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config %s: %v", cfgPath, err)
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

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
	if cal.Empty() {
		logger.Warn("trading calendar empty, using weekday fallback until first refresh")
	}

	client := provider.NewEastmoney(
		provider.WithBaseURLs(cfg.Provider.QuoteURL, cfg.Provider.HistURL),
	)
	ch := cache.New(cfg.Collection.CacheCapacity)
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.Collection.RateLimitPerMin)), 1)

	collector := collect.New(client, st, cal, ch, collect.Options{
		MaxRetries: cfg.Collection.MaxRetries,
		RetryDelay: time.Duration(cfg.Collection.RetryDelaySec) * time.Second,
		Limiter:    limiter,
		CacheTTL:   time.Duration(cfg.Collection.CacheTTLMin) * time.Minute,
	})

	minuteFreqs := make([]domain.Frequency, 0, len(cfg.Collection.MinuteFreqs))
	for _, f := range cfg.Collection.MinuteFreqs {
		minuteFreqs = append(minuteFreqs, domain.Frequency(f))
	}
	scheduler := sched.New(collector, sched.Config{
		StartDate:    cfg.Collection.StartDate,
		MaxWorkers:   cfg.Collection.MaxWorkers,
		MinuteFreqs:  minuteFreqs,
		MinuteDays:   cfg.Collection.MinuteDays,
		FundFlowDays: cfg.Collection.FundFlowDays,
	})

	specs := map[sched.TickKind]string{
		sched.TickInstruments: cfg.Schedule.Instruments,
		sched.TickCalendar:    cfg.Schedule.Calendar,
		sched.TickDaily:       cfg.Schedule.Daily,
		sched.TickMinute:      cfg.Schedule.Minute,
		sched.TickFundFlow:    cfg.Schedule.FundFlow,
		sched.TickDerive:      cfg.Schedule.Derive,
	}
	if err := scheduler.Start(ctx, specs); err != nil {
		log.Fatalf("starting scheduler: %v", err)
	}

	var srv *http.Server
	if cfg.Server.Port > 0 {
		api := httpapi.NewServer(st, ch)
		srv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: api.Handler(),
		}
		go func() {
			logger.Info("query API listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("query API server failed", "error", err)
				stop()
			}
		}()
	}

	logger.Info("collectord started", "config", cfgPath, "db", cfg.Storage.SQLitePath)
	<-ctx.Done()

	logger.Info("shutting down")
	scheduler.Stop()
	if srv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Error("query API shutdown", "error", err)
		}
	}
}
