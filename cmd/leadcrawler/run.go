package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/leadcrawler/internal/cities"
	"github.com/TobiSchelling/leadcrawler/internal/database"
	"github.com/TobiSchelling/leadcrawler/internal/failurelog"
	"github.com/TobiSchelling/leadcrawler/internal/fetch"
	"github.com/TobiSchelling/leadcrawler/internal/llm"
	"github.com/TobiSchelling/leadcrawler/internal/pipeline"
	"github.com/TobiSchelling/leadcrawler/internal/server"
	"github.com/TobiSchelling/leadcrawler/internal/triage"
)

var (
	runCities            []string
	runTier              string
	runCityFile          string
	runLimitPages        int
	runLimitCategories   int
	runLimitLeadsPerPage int
	runPoolSize          int
	runThreads           int
	runScope             string
	runSkipPreflight     bool
	runFresh             bool
	runMetricsAddr       string
	runNoReports         bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Crawl cities, filter and grade posts, and store leads",
	Long: `Crawl the configured categories for each target city, run every post
through the blacklist, keyword, AI pre-filter and AI grading stages, and store
the surviving leads. Interrupted runs resume from the last contiguous
completed city and the last completed category of in-progress cities.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyRunOverrides(cmd)
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx := cmd.Context()
		runID := uuid.NewString()
		log := logger.With(zap.String("run_id", runID))

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if runFresh {
			if err := db.ResetProgress(); err != nil {
				return fmt.Errorf("resetting checkpoints: %w", err)
			}
			log.Info("checkpoints cleared, starting fresh")
		}

		targets, scope, err := cities.Resolve(cities.Selection{
			Codes: runCities,
			File:  runCityFile,
			Tier:  cfg.Search.CityList,
		}, log)
		if err != nil {
			return err
		}
		if runScope != "" {
			scope = runScope
		}
		log.Info("run starting",
			zap.Int("cities", len(targets)),
			zap.String("scope", scope),
			zap.Strings("categories", cfg.Search.Categories))

		client, err := fetch.New(cfg.Fetch, log)
		if err != nil {
			return err
		}
		if !runSkipPreflight && cfg.Search.PreflightURL != "" {
			if err := client.Preflight(ctx, cfg.Search.PreflightURL, cfg.Search.PreflightMarker); err != nil {
				return fmt.Errorf("fetch service check failed, aborting run: %w", err)
			}
			log.Info("fetch service reachable")
		}

		gateway, err := llm.NewGatewayFromConfig(ctx, cfg.AI, log)
		if err != nil {
			return err
		}
		cascade := triage.NewCascadeFromConfig(cfg.Filters, cfg.AI, gateway, log)

		metricsAddr := cfg.Server.MetricsAddr
		if cmd.Flags().Changed("metrics-addr") {
			metricsAddr = runMetricsAddr
		}
		if metricsAddr != "" {
			server.ServeMetrics(ctx, metricsAddr, log)
		}

		orch := pipeline.New(pipeline.OptionsFromConfig(cfg, scope), pipeline.Deps{
			Fetcher:  client,
			Screener: cascade,
			OpenStore: func() (pipeline.LeadStore, error) {
				store, err := database.Open(cfg.DBPath())
				if err != nil {
					return nil, err
				}
				return store, nil
			},
			Progress: db,
			Failures: failurelog.New(cfg.FailureLogPath()),
			Logger:   log,
		})

		start := time.Now()
		res, runErr := orch.Run(ctx, targets)
		if runErr != nil && res == nil {
			return runErr
		}

		if !runNoReports {
			files, err := emitReports(db)
			if err != nil {
				log.Error("writing reports", zap.Error(err))
			} else {
				log.Info("reports written",
					zap.String("csv", files.CSV),
					zap.String("html", files.HTML),
					zap.String("json", files.JSON))
			}
		}

		printRunSummary(res, scope, gateway.Mode().String(), time.Since(start))
		if runErr != nil {
			if errors.Is(runErr, ctx.Err()) {
				fmt.Println("Run interrupted; rerun to resume from the checkpoint.")
			}
			return runErr
		}
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringSliceVar(&runCities, "cities", nil, "Comma-separated city codes to crawl (overrides the city list)")
	f.StringVar(&runTier, "tier", "", "City list to crawl: "+strings.Join(cities.Tiers(), ", "))
	f.StringVar(&runCityFile, "city-file", "", "YAML or JSON file with a custom city list")
	f.IntVar(&runLimitPages, "limit-pages", 0, "Maximum listing pages per category")
	f.IntVar(&runLimitCategories, "limit-categories", 0, "Only crawl the first N categories")
	f.IntVar(&runLimitLeadsPerPage, "limit-leads-per-page", 0, "Only consider the first N posts of each listing page")
	f.IntVar(&runPoolSize, "pool-size", 0, "Cities crawled concurrently (0 sizes from CPU count)")
	f.IntVar(&runThreads, "num-threads", 0, "Post detail fetches in flight per city")
	f.StringVar(&runScope, "search-scope", "", "Scope tag stored on every lead of this run")
	f.BoolVar(&runSkipPreflight, "skip-preflight", false, "Skip the fetch service reachability check")
	f.BoolVar(&runFresh, "fresh", false, "Clear checkpoints before crawling")
	f.StringVar(&runMetricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address during the run")
	f.BoolVar(&runNoReports, "no-reports", false, "Do not write report files after the run")
}

// applyRunOverrides copies explicitly set flags onto the loaded config.
func applyRunOverrides(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("tier") {
		cfg.Search.CityList = runTier
	}
	if f.Changed("limit-pages") {
		cfg.Search.MaxPagesPerCategory = runLimitPages
	}
	if f.Changed("limit-categories") {
		cfg.Search.LimitCategories = runLimitCategories
	}
	if f.Changed("limit-leads-per-page") {
		cfg.Search.LimitLeadsPerPage = runLimitLeadsPerPage
	}
	if f.Changed("pool-size") {
		cfg.Concurrency.PoolSize = runPoolSize
	}
	if f.Changed("num-threads") {
		cfg.Concurrency.ThreadsPerWorker = runThreads
	}
}

func printRunSummary(res *pipeline.Result, scope, mode string, elapsed time.Duration) {
	fmt.Println()
	fmt.Println("Run summary:")
	fmt.Printf("  Scope: %s\n", scope)
	fmt.Printf("  AI mode: %s\n", mode)
	fmt.Printf("  Cities skipped (already done): %d\n", res.Skipped)
	fmt.Printf("  Cities crawled: %d\n", len(res.Cities))
	fmt.Printf("  Cities failed: %d\n", res.Failed)
	fmt.Printf("  New leads: %d\n", res.LeadsAdded)
	fmt.Printf("  Elapsed: %s\n", elapsed.Round(time.Second))
	for _, c := range res.Cities {
		if c.Err != nil {
			fmt.Printf("    %s: failed: %v\n", c.City.Code, c.Err)
		}
	}
}
