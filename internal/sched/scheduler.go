// Package sched drives collection ticks. Each tick resolves the active
// universe, fans one job per symbol out over a bounded worker pool, waits
// for completion, and emits a structured summary. Triggers come from cron
// specs; trading-day and trading-hours predicates gate the market-data
// ticks.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"cndata/internal/calendar"
	"cndata/internal/collect"
	"cndata/internal/domain"
)

// TickKind names one scheduled collection pass.
type TickKind string

const (
	TickInstruments TickKind = "instruments"
	TickCalendar    TickKind = "calendar"
	TickDaily       TickKind = "daily"
	TickMinute      TickKind = "minute"
	TickFundFlow    TickKind = "fundflow"
	TickDerive      TickKind = "derive"
)

// ErrTickOverlap is returned when a tick fires while the previous one is
// still running. The new tick is dropped, not queued.
var ErrTickOverlap = errors.New("sched: tick already running")

// tick states: idle -> dispatching -> awaiting -> idle.
type tickState int

const (
	stateIdle tickState = iota
	stateDispatching
	stateAwaiting
)

// Config tunes the scheduler.
type Config struct {
	StartDate    string // backfill floor for daily ranges
	MaxWorkers   int
	MinuteFreqs  []domain.Frequency
	MinuteDays   int
	FundFlowDays int
}

func (c Config) withDefaults() Config {
	if c.StartDate == "" {
		c.StartDate = "2020-01-01"
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 20
	}
	if len(c.MinuteFreqs) == 0 {
		c.MinuteFreqs = []domain.Frequency{domain.Freq15Min, domain.Freq60Min}
	}
	if c.MinuteDays <= 0 {
		c.MinuteDays = 5
	}
	if c.FundFlowDays <= 0 {
		c.FundFlowDays = 30
	}
	return c
}

// TickSummary is the outcome of one tick.
type TickSummary struct {
	Kind      TickKind
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
	Rows      int
	Duration  time.Duration
}

// Scheduler owns the cron entries and the tick state machine.
type Scheduler struct {
	collector *collect.Collector
	cfg       Config
	cron      *cron.Cron
	log       *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	state tickState
}

// New creates a Scheduler around a shared Collector.
func New(c *collect.Collector, cfg Config) *Scheduler {
	return &Scheduler{
		collector: c,
		cfg:       cfg.withDefaults(),
		log:       slog.Default().With("component", "sched"),
		now:       time.Now,
	}
}

// Start registers the cron entries for every non-empty spec and starts the
// trigger loop. Specs use the standard 5-field cron format, evaluated in
// exchange time.
func (s *Scheduler) Start(ctx context.Context, specs map[TickKind]string) error {
	s.cron = cron.New(cron.WithLocation(calendar.CST))
	for kind, spec := range specs {
		if spec == "" {
			continue
		}
		kind := kind
		if _, err := s.cron.AddFunc(spec, func() {
			if _, err := s.RunTick(ctx, kind); err != nil && !errors.Is(err, ErrTickOverlap) {
				s.log.Error("tick failed", "kind", kind, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("sched: registering %s trigger %q: %w", kind, spec, err)
		}
		s.log.Info("trigger registered", "kind", kind, "spec", spec)
	}
	s.cron.Start()
	return nil
}

// Stop halts the trigger loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunTick executes one tick of the given kind synchronously. Per-symbol
// failures are logged and counted but never abort the tick.
func (s *Scheduler) RunTick(ctx context.Context, kind TickKind) (TickSummary, error) {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return TickSummary{Kind: kind}, ErrTickOverlap
	}
	s.state = stateDispatching
	s.mu.Unlock()
	defer s.setState(stateIdle)

	summary := TickSummary{Kind: kind}
	start := s.now()

	if !s.gateOpen(kind) {
		s.log.Info("tick gated", "kind", kind)
		return summary, nil
	}

	jobs, err := s.buildJobs(ctx, kind)
	if err != nil {
		return summary, err
	}
	summary.Processed = len(jobs)

	var resMu sync.Mutex
	total := collect.Result{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxWorkers)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			res, err := s.collector.Collect(gctx, job)
			if err != nil {
				s.log.Error("job failed", "kind", job.Kind(), "error", err)
			}
			resMu.Lock()
			total.Add(res)
			resMu.Unlock()
			return nil
		})
	}
	s.setState(stateAwaiting)
	g.Wait()

	summary.Succeeded = total.Succeeded
	summary.Failed = total.Failed
	summary.Skipped = total.Skipped
	summary.Rows = total.Rows
	summary.Duration = s.now().Sub(start)

	s.log.Info("tick complete",
		"kind", kind,
		"processed", summary.Processed,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"rows", summary.Rows,
		"duration", summary.Duration.Round(time.Millisecond).String(),
	)
	return summary, ctx.Err()
}

func (s *Scheduler) setState(st tickState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// gateOpen applies the trading-day and trading-hours predicates. Universe
// and calendar refreshes always run.
func (s *Scheduler) gateOpen(kind TickKind) bool {
	cal := s.collector.Calendar()
	now := s.now().In(calendar.CST)
	today := now.Format(domain.DateLayout)

	switch kind {
	case TickInstruments, TickCalendar:
		return true
	case TickMinute:
		return cal.InTradingHours(now)
	default:
		return cal.IsTradingDay(today)
	}
}

func (s *Scheduler) buildJobs(ctx context.Context, kind TickKind) ([]collect.Job, error) {
	switch kind {
	case TickInstruments:
		return []collect.Job{collect.InstrumentListJob{}}, nil
	case TickCalendar:
		return []collect.Job{collect.CalendarJob{}}, nil
	}

	universe, err := s.collector.Universe(ctx)
	if err != nil {
		return nil, fmt.Errorf("sched: resolving universe: %w", err)
	}

	now := s.now().In(calendar.CST)
	today := now.Format(domain.DateLayout)

	var jobs []collect.Job
	switch kind {
	case TickDaily:
		for _, inst := range universe {
			jobs = append(jobs, collect.DailyJob{
				Symbol: inst.Symbol,
				Freq:   domain.FreqDaily,
				Start:  s.cfg.StartDate,
				End:    today,
			})
		}
	case TickMinute:
		for _, inst := range universe {
			for _, freq := range s.cfg.MinuteFreqs {
				jobs = append(jobs, collect.MinuteJob{
					Symbol: inst.Symbol,
					Freq:   freq,
					Days:   s.cfg.MinuteDays,
				})
			}
		}
	case TickFundFlow:
		start := now.AddDate(0, 0, -s.cfg.FundFlowDays).Format(domain.DateLayout)
		for _, inst := range universe {
			jobs = append(jobs, collect.FundFlowJob{
				Symbol: inst.Symbol,
				Start:  start,
				End:    today,
			})
		}
	case TickDerive:
		for _, inst := range universe {
			jobs = append(jobs,
				collect.DeriveJob{Symbol: inst.Symbol, Target: domain.FreqWeekly, Start: s.cfg.StartDate, End: today},
				collect.DeriveJob{Symbol: inst.Symbol, Target: domain.FreqMonthly, Start: s.cfg.StartDate, End: today},
			)
		}
	default:
		return nil, fmt.Errorf("sched: unknown tick kind %q", kind)
	}
	return jobs, nil
}
