package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/leadcrawler/internal/config"
	"github.com/TobiSchelling/leadcrawler/internal/database"
	"github.com/TobiSchelling/leadcrawler/internal/failurelog"
	"github.com/TobiSchelling/leadcrawler/internal/logging"
	"github.com/TobiSchelling/leadcrawler/internal/report"
	"github.com/TobiSchelling/leadcrawler/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     = zap.NewNop()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "leadcrawler",
	Short:   "Find client leads on Craigslist",
	Long:    "leadcrawler crawls Craigslist gig and service categories city by city, filters posts with keyword rules and an LLM, and stores graded leads for outreach.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		if err := config.LoadEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.Development)
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(leadsCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("leadcrawler", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/leadcrawler/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Set OXYLABS_USERNAME, OXYLABS_PASSWORD and GEMINI_API_KEYS (comma-separated) in the environment or a .env file next to it.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lead counts, checkpoints and per-scope results",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}
		fmt.Println("Leads:")
		fmt.Printf("  Total: %d\n", stats.TotalLeads)
		fmt.Printf("  Scored: %d\n", stats.ScoredLeads)
		fmt.Printf("  Contacted: %d\n", stats.Contacted)
		fmt.Printf("  Cities: %d\n", stats.Cities)
		fmt.Printf("  Categories: %d\n", stats.Categories)

		scopes, err := db.GetScopeStats()
		if err != nil {
			return fmt.Errorf("getting scope stats: %w", err)
		}
		if len(scopes) > 0 {
			fmt.Println("\nBy search scope:")
			for _, s := range scopes {
				avg := "n/a"
				if s.AvgScore != nil {
					avg = fmt.Sprintf("%.1f", *s.AvgScore)
				}
				fmt.Printf("  %-14s %5d leads  %5d scored  avg score %s\n", s.Scope, s.Leads, s.Scored, avg)
			}
		}

		fmt.Println()
		if err := printCheckpoints(db); err != nil {
			return err
		}

		records, err := failurelog.New(cfg.FailureLogPath()).Records()
		if err != nil {
			fmt.Printf("\nFailure log unreadable: %v\n", err)
			return nil
		}
		fmt.Printf("\nFailed listing pages logged: %d\n", len(records))
		return nil
	},
}

// --- checkpoint command ---

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or reset resume checkpoints",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the city and category checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		return printCheckpoints(db)
	},
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear all checkpoints so the next run starts from the first city",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.ResetProgress(); err != nil {
			return fmt.Errorf("resetting checkpoints: %w", err)
		}
		fmt.Println("Checkpoints cleared.")
		return nil
	},
}

func init() {
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointResetCmd)
}

func printCheckpoints(db *database.DB) error {
	last, err := db.GetLastCompletedCity()
	if err != nil {
		return err
	}
	finished, err := db.GetLastFullRunCompleted()
	if err != nil {
		return err
	}
	perCity, err := db.CityCheckpoints()
	if err != nil {
		return err
	}

	fmt.Println("Checkpoints:")
	fmt.Printf("  Last completed city: %s\n", orNone(last))
	fmt.Printf("  Last full run completed: %s\n", orNone(finished))
	if len(perCity) > 0 {
		codes := make([]string, 0, len(perCity))
		for code := range perCity {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		fmt.Println("  In-progress cities:")
		for _, code := range codes {
			fmt.Printf("    %s: last category %s\n", code, perCity[code])
		}
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// --- leads command ---

var (
	leadsMinScore int
	leadsLimit    int
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Work with stored leads",
}

var leadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the best scored leads",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		leads, err := db.GetTopLeads(leadsMinScore, leadsLimit)
		if err != nil {
			return err
		}
		if len(leads) == 0 {
			fmt.Println("No leads match. Run 'leadcrawler run' first or lower --min-score.")
			return nil
		}

		for _, l := range leads {
			score := "-"
			if l.ProfitabilityScore != nil {
				score = fmt.Sprint(*l.ProfitabilityScore)
			}
			title := l.Title
			if r := []rune(title); len(r) > 60 {
				title = string(r[:60]) + "..."
			}
			fmt.Printf("[%d] %2s  %-10s %-4s %s\n", l.ID, score, l.City, l.Category, title)
			fmt.Printf("        %s\n", l.URL)
			if l.Reasoning != nil && *l.Reasoning != "" {
				fmt.Printf("        %s\n", strings.ReplaceAll(*l.Reasoning, "\n", " "))
			}
		}
		return nil
	},
}

var leadsContactedCmd = &cobra.Command{
	Use:   "contacted [id] [follow-up-date]",
	Short: "Mark a lead as contacted, optionally with a follow-up date",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		var id int64
		if _, err := fmt.Sscan(args[0], &id); err != nil {
			return fmt.Errorf("invalid lead ID: %s", args[0])
		}
		followUp := ""
		if len(args) > 1 {
			followUp = args[1]
		}
		if err := db.MarkContacted(id, true, followUp); err != nil {
			return err
		}
		fmt.Printf("Lead [%d] marked as contacted.\n", id)
		return nil
	},
}

func init() {
	leadsListCmd.Flags().IntVar(&leadsMinScore, "min-score", 1, "Only show leads scored at least this high (0 includes unscored)")
	leadsListCmd.Flags().IntVarP(&leadsLimit, "limit", "n", 20, "Maximum number of leads to show (0 for all)")
	leadsCmd.AddCommand(leadsListCmd)
	leadsCmd.AddCommand(leadsContactedCmd)
}

// --- report command ---

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write the CSV, JSON and HTML reports from the stored leads",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		files, err := emitReports(db)
		if err != nil {
			return err
		}
		fmt.Printf("Reports written:\n  %s\n  %s\n  %s\n", files.CSV, files.HTML, files.JSON)
		return nil
	},
}

func emitReports(db *database.DB) (report.Files, error) {
	leads, err := db.GetLeads()
	if err != nil {
		return report.Files{}, fmt.Errorf("loading leads: %w", err)
	}
	stats, err := db.GetStats()
	if err != nil {
		return report.Files{}, fmt.Errorf("loading stats: %w", err)
	}
	scopes, err := db.GetScopeStats()
	if err != nil {
		return report.Files{}, fmt.Errorf("loading scope stats: %w", err)
	}
	return report.NewEmitter(cfg.GetReportsDir(), logger).Emit(leads, stats, scopes)
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local dashboard server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(cmd.Context(), db, port, logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

func openDB() (*database.DB, error) {
	return database.Open(cfg.DBPath())
}
