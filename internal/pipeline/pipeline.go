// Package pipeline runs a crawl: it resolves the remaining cities, dispatches
// them to a bounded worker pool and keeps the resume checkpoints.
package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/leadcrawler/internal/cities"
	"github.com/TobiSchelling/leadcrawler/internal/config"
	"github.com/TobiSchelling/leadcrawler/internal/database"
	"github.com/TobiSchelling/leadcrawler/internal/failurelog"
	"github.com/TobiSchelling/leadcrawler/internal/metrics"
	"github.com/TobiSchelling/leadcrawler/internal/triage"
)

// Fetcher retrieves page content through the fetch service.
type Fetcher interface {
	Fetch(ctx context.Context, url string, retries int) (string, error)
}

// Screener decides which candidates are fetched and which posts are kept.
type Screener interface {
	Screen(ctx context.Context, title, snippet string) triage.Decision
	Grade(ctx context.Context, title, description string) (triage.Grade, error)
}

// LeadStore is the per-worker store connection. Only the worker goroutine
// that opened it writes to it.
type LeadStore interface {
	AddLead(lead *database.Lead, scope string) (bool, error)
	GetLastCompletedCategoryForCity(code string) (string, error)
	SetLastCompletedCategoryForCity(code, category string) error
	ClearLastCompletedCategoryForCity(code string) error
	Close() error
}

// StoreOpener opens a fresh store connection for one city worker.
type StoreOpener func() (LeadStore, error)

// ProgressStore holds the run-level checkpoints.
type ProgressStore interface {
	GetLastCompletedCity() (string, error)
	SetLastCompletedCity(code string) error
	SetLastFullRunCompleted(t time.Time) error
}

// FailureRecorder receives listing pages that were given up on.
type FailureRecorder interface {
	Append(r failurelog.Record) error
}

// Options are the crawl limits for one run.
type Options struct {
	Categories    []string
	DomainSuffix  string
	ListingFormat string
	// MaxPages bounds pagination per category.
	MaxPages          int
	LimitCategories   int
	LimitLeadsPerPage int
	// PoolSize bounds concurrently crawled cities; 0 picks twice the CPU count.
	PoolSize         int
	ThreadsPerWorker int
	FetchRetries     int
	PagePause        config.Pause
	CategoryPause    config.Pause
	// Scope tags every lead stored by this run.
	Scope string
}

// OptionsFromConfig maps the search and concurrency sections onto Options.
func OptionsFromConfig(cfg *config.Config, scope string) Options {
	return Options{
		Categories:        cfg.Search.Categories,
		DomainSuffix:      cfg.Search.DomainSuffix,
		ListingFormat:     cfg.Search.ListingFormat,
		MaxPages:          cfg.Search.MaxPagesPerCategory,
		LimitCategories:   cfg.Search.LimitCategories,
		LimitLeadsPerPage: cfg.Search.LimitLeadsPerPage,
		PoolSize:          cfg.Concurrency.PoolSize,
		ThreadsPerWorker:  cfg.Concurrency.ThreadsPerWorker,
		FetchRetries:      cfg.Fetch.Retries,
		PagePause:         cfg.Search.PagePause,
		CategoryPause:     cfg.Search.CategoryPause,
		Scope:             scope,
	}
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Fetcher   Fetcher
	Screener  Screener
	OpenStore StoreOpener
	Progress  ProgressStore
	Failures  FailureRecorder
	Logger    *zap.Logger
}

// CityResult is the outcome of one city worker. LeadsFound is -1 when the
// city failed.
type CityResult struct {
	City       cities.City
	LeadsFound int
	Err        error
}

// Result summarizes a run.
type Result struct {
	Cities     []CityResult
	Skipped    int
	LeadsAdded int
	Failed     int
}

// Orchestrator crawls cities concurrently.
type Orchestrator struct {
	opts Options
	deps Deps

	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
	now       func() time.Time
}

type Option func(*Orchestrator)

// WithSleeper replaces the pacing sleep.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithClock sets the time source for scrape timestamps and the run marker.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(opts Options, deps Deps, options ...Option) *Orchestrator {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 3
	}
	if opts.ThreadsPerWorker <= 0 {
		opts.ThreadsPerWorker = 8
	}
	if opts.FetchRetries <= 0 {
		opts.FetchRetries = 3
	}
	if opts.DomainSuffix == "" {
		opts.DomainSuffix = "craigslist.org"
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	o := &Orchestrator{
		opts:      opts,
		deps:      deps,
		sleep:     sleepCtx,
		randFloat: rand.Float64,
		now:       time.Now,
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Run crawls every city after the last completed one. It returns the
// context error if the run was interrupted; committed checkpoints stand.
func (o *Orchestrator) Run(ctx context.Context, targets []cities.City) (*Result, error) {
	log := o.deps.Logger
	remaining, err := o.resume(targets)
	if err != nil {
		return nil, err
	}
	res := &Result{Skipped: len(targets) - len(remaining)}
	if len(remaining) == 0 {
		log.Info("all cities in the list were already processed; reset the checkpoint to crawl again",
			zap.Int("cities", len(targets)))
		return res, nil
	}

	pool := o.opts.PoolSize
	if pool <= 0 {
		pool = min(runtime.NumCPU()*2, len(remaining))
	}
	log.Info("starting crawl",
		zap.Int("cities", len(remaining)),
		zap.Int("skipped", res.Skipped),
		zap.Int("pool_size", pool),
		zap.Int("threads_per_worker", o.opts.ThreadsPerWorker),
		zap.String("scope", o.opts.Scope))

	wm := &watermark{cities: remaining, state: make([]int8, len(remaining)), progress: o.deps.Progress, logger: log}
	results := make([]CityResult, len(remaining))

	var g errgroup.Group
	g.SetLimit(pool)
	for i, city := range remaining {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r := o.crawlCity(ctx, city)
			results[i] = r
			wm.done(i, r.Err == nil)
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range results {
		if r.City.Code == "" {
			// Never started because the run was cancelled.
			continue
		}
		res.Cities = append(res.Cities, results[i])
		if r.Err != nil {
			res.Failed++
			continue
		}
		res.LeadsAdded += r.LeadsFound
	}

	if err := ctx.Err(); err != nil {
		log.Warn("crawl interrupted", zap.Int("finished", len(res.Cities)), zap.Error(err))
		return res, err
	}

	if err := o.deps.Progress.SetLastFullRunCompleted(o.now()); err != nil {
		log.Error("recording run completion", zap.Error(err))
	}
	log.Info("crawl finished",
		zap.Int("cities", len(res.Cities)),
		zap.Int("failed", res.Failed),
		zap.Int("leads_added", res.LeadsAdded))
	return res, nil
}

// resume drops the cities up to and including the last completed one. A
// checkpoint that is not in the list is ignored.
func (o *Orchestrator) resume(targets []cities.City) ([]cities.City, error) {
	last, err := o.deps.Progress.GetLastCompletedCity()
	if err != nil {
		return nil, fmt.Errorf("reading city checkpoint: %w", err)
	}
	if last == "" {
		return targets, nil
	}
	for i, c := range targets {
		if c.Code == last {
			o.deps.Logger.Info("resuming after last completed city", zap.String("city", last), zap.Int("skipped", i+1))
			return targets[i+1:], nil
		}
	}
	o.deps.Logger.Warn("last completed city is not in this list; processing all cities", zap.String("city", last))
	return targets, nil
}

// watermark advances the global city checkpoint along the contiguous prefix
// of successful cities, so a failed city is retried by the next run.
type watermark struct {
	mu       sync.Mutex
	cities   []cities.City
	state    []int8 // 0 running, 1 ok, -1 failed
	next     int
	progress ProgressStore
	logger   *zap.Logger
}

func (w *watermark) done(i int, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ok {
		w.state[i] = 1
	} else {
		w.state[i] = -1
	}

	advanced := ""
	for w.next < len(w.cities) && w.state[w.next] == 1 {
		advanced = w.cities[w.next].Code
		w.next++
	}
	if advanced == "" {
		return
	}
	if err := w.progress.SetLastCompletedCity(advanced); err != nil {
		w.logger.Error("saving city checkpoint", zap.String("city", advanced), zap.Error(err))
		return
	}
	w.logger.Debug("city checkpoint saved", zap.String("city", advanced))
}

// crawlCity runs one city worker and converts any failure, including a
// panic, into a failed CityResult.
func (o *Orchestrator) crawlCity(ctx context.Context, city cities.City) (res CityResult) {
	log := o.deps.Logger.With(zap.String("city", city.Code))
	res.City = city
	finished := metrics.CityStarted()
	defer finished()

	defer func() {
		if r := recover(); r != nil {
			log.Error("city worker panicked", zap.Any("panic", r), zap.Stack("stack"))
			res.LeadsFound = -1
			res.Err = fmt.Errorf("city %s: panic: %v", city.Code, r)
		}
		if res.Err != nil {
			metrics.ObserveCity("failed")
		} else {
			metrics.ObserveCity("ok")
		}
	}()

	store, err := o.deps.OpenStore()
	if err != nil {
		log.Error("opening store for city worker", zap.Error(err))
		return CityResult{City: city, LeadsFound: -1, Err: err}
	}
	defer store.Close()

	log.Info("starting city", zap.String("name", city.Name))
	w := &cityWorker{o: o, city: city, store: store, logger: log}
	n, err := w.run(ctx)
	if err != nil {
		log.Error("city failed", zap.Int("leads_added", n), zap.Error(err))
		return CityResult{City: city, LeadsFound: -1, Err: err}
	}

	fields := []zap.Field{zap.Int("leads_added", n)}
	if s, ok := o.deps.Fetcher.(statsReporter); ok {
		snap := s.Stats().Snapshot()
		fields = append(fields,
			zap.Int64("fetch_ok", snap.Success),
			zap.Int64("fetch_failed", snap.Failure),
			zap.Int64("fetch_blocked", snap.Blocked),
			zap.Float64("fetch_success_rate", snap.SuccessRate))
		if !s.Stats().Healthy(fetchHealthThreshold) {
			log.Warn("fetch success rate below threshold", zap.Float64("threshold", fetchHealthThreshold))
		}
	}
	log.Info("finished city", fields...)
	return CityResult{City: city, LeadsFound: n}
}

// pause sleeps for a random duration inside p.
func (o *Orchestrator) pause(ctx context.Context, p config.Pause) error {
	d := p.Min
	if span := p.Max - p.Min; span > 0 {
		d += time.Duration(o.randFloat() * float64(span))
	}
	if d <= 0 {
		return ctx.Err()
	}
	return o.sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
