package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cropwatch/cropwatch/internal/calendar"
	"github.com/cropwatch/cropwatch/internal/collector"
	"github.com/cropwatch/cropwatch/internal/config"
	"github.com/cropwatch/cropwatch/internal/database"
	"github.com/cropwatch/cropwatch/internal/dispatch"
	"github.com/cropwatch/cropwatch/internal/enrich"
	"github.com/cropwatch/cropwatch/internal/freshness"
	"github.com/cropwatch/cropwatch/internal/obs"
	"github.com/cropwatch/cropwatch/internal/runner"
	"github.com/cropwatch/cropwatch/internal/schedule"
	"github.com/cropwatch/cropwatch/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, config.ErrInvalid) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cropwatch",
	Short:   "Agricultural market data watch",
	Long:    "Cropwatch schedules collectors against agricultural data releases, keeps an execution ledger, and enriches a knowledge graph with seasonal context.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(enrichCmd)
	rootCmd.AddCommand(briefingCmd)
	rootCmd.AddCommand(ackCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("cropwatch", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/cropwatch/",
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
		fmt.Println("Edit it to configure collectors, schedules, and the holiday calendar.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger and knowledge-graph status",
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

		fmt.Println("Runs:")
		fmt.Printf("  Total: %d\n", stats.TotalRuns)
		fmt.Printf("  Successful: %d\n", stats.SuccessfulRuns)
		fmt.Printf("  Failed: %d\n", stats.FailedRuns)
		fmt.Println("\nEvents:")
		fmt.Printf("  Unacknowledged: %d\n", stats.UnackedEvents)
		fmt.Println("\nKnowledge graph:")
		fmt.Printf("  Nodes: %d\n", stats.Nodes)
		fmt.Printf("  Edges: %d\n", stats.Edges)
		fmt.Printf("  Contexts: %d\n", stats.Contexts)

		reg, _, err := buildRegistries(cfg)
		if err != nil {
			return err
		}
		reports, err := freshness.Evaluate(db, reg, time.Now())
		if err != nil {
			return err
		}
		fmt.Println("\nFreshness:")
		for _, r := range reports {
			line := fmt.Sprintf("  %-20s %-15s", r.CollectorID, r.Status)
			if r.AgeHours != nil {
				line += fmt.Sprintf(" (%.0fh old)", *r.AgeHours)
			}
			fmt.Println(line)
		}
		return nil
	},
}

// --- run command ---

var runCmd = &cobra.Command{
	Use:   "run [collector-id]",
	Short: "Run one collector immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		schedules, collectors, err := buildRegistries(cfg)
		if err != nil {
			return err
		}

		r := runner.New(db, collectors, schedules)
		if err := r.Run(cmd.Context(), args[0], database.TriggerManual); err != nil {
			return err
		}

		run, err := db.LatestRun(args[0])
		if err != nil {
			return err
		}
		if run == nil || run.Status == database.StatusRunning {
			fmt.Println("Run skipped: another run is already in flight.")
			return nil
		}
		fmt.Printf("Run %d finished: %s (%d rows, %d new)\n",
			run.ID, run.Status, run.RowsCollected, run.RowsNew)
		return nil
	},
}

// --- dispatch command ---

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run the scheduling loop until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		schedules, collectors, err := buildRegistries(cfg)
		if err != nil {
			return err
		}
		run := runner.New(db, collectors, schedules)
		d := dispatch.New(db, cfg.Dispatcher, schedules, run)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := d.Reconcile(time.Now()); err != nil {
			return fmt.Errorf("reconciling ledger: %w", err)
		}

		var wg sync.WaitGroup
		watchConfig(ctx, &wg, db, d)
		runEnrichmentLoop(ctx, &wg, db)

		err = d.Run(ctx)
		wg.Wait()
		if errors.Is(err, context.Canceled) {
			fmt.Println("Dispatcher stopped.")
			return nil
		}
		return err
	},
}

// watchConfig reloads the schedule and collector registries when the config
// file changes on disk. A broken edit is logged and ignored; the previous
// registries stay active.
func watchConfig(ctx context.Context, wg *sync.WaitGroup, db *database.DB, d *dispatch.Dispatcher) {
	path, err := config.ResolveConfigPath(configPath)
	if err != nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := config.Watch(ctx, path, func(newCfg *config.Config) {
			schedules, collectors, err := buildRegistries(newCfg)
			if err != nil {
				log.Printf("config reload rejected: %v", err)
				return
			}
			cfg = newCfg
			d.SetRegistry(schedules, runner.New(db, collectors, schedules))
		})
		if err != nil {
			log.Printf("config watcher stopped: %v", err)
		}
	}()
}

// runEnrichmentLoop recomputes derived contexts on the configured interval.
// Skipped when no observation store is configured.
func runEnrichmentLoop(ctx context.Context, wg *sync.WaitGroup, db *database.DB) {
	if cfg.Observations.Path == "" {
		log.Println("no observation store configured; enrichment loop disabled")
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.Enrichment.Interval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := recomputeOnce(ctx, db); err != nil {
					log.Printf("enrichment cycle failed: %v", err)
				}
			}
		}
	}()
}

func recomputeOnce(ctx context.Context, db *database.DB) error {
	store, err := obs.OpenSQLite(cfg.Observations.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := enrich.New(db, store, cfg.Enrichment)
	_, err = engine.RecomputeAll(ctx)
	return err
}

// --- enrich command ---

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Recompute seasonal norms and pace tracking once",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Observations.Path == "" {
			return fmt.Errorf("%w: observations.path is not configured", config.ErrInvalid)
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		store, err := obs.OpenSQLite(cfg.Observations.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		engine := enrich.New(db, store, cfg.Enrichment)
		result, err := engine.RecomputeAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Enrichment complete: %d nodes, %d bands, %d pace contexts, %d edges",
			result.NodesProcessed, result.BandsWritten, result.PaceWritten, result.EdgesWritten)
		if result.Skipped > 0 {
			fmt.Printf(" (%d skipped)", result.Skipped)
		}
		fmt.Println()
		return nil
	},
}

// --- briefing command ---

var briefingCmd = &cobra.Command{
	Use:   "briefing",
	Short: "Print unacknowledged events and stale collectors",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		events, err := db.UnacknowledgedEvents(0)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No unacknowledged events.")
		}
		labels := map[int]string{
			database.PriorityCritical:  "CRITICAL",
			database.PriorityImportant: "important",
			database.PriorityInfo:      "info",
		}
		for _, e := range events {
			fmt.Printf("[%d] %-9s %s  %s\n", e.ID, labels[e.Priority],
				e.Time.Format("2006-01-02 15:04"), e.Summary)
		}

		reg, _, err := buildRegistries(cfg)
		if err != nil {
			return err
		}
		reports, err := freshness.Evaluate(db, reg, time.Now())
		if err != nil {
			return err
		}
		var stale []freshness.Report
		for _, r := range reports {
			if r.Status == freshness.StatusStale || r.Status == freshness.StatusNever {
				stale = append(stale, r)
			}
		}
		if len(stale) > 0 {
			fmt.Println("\nNeeds attention:")
			for _, r := range stale {
				fmt.Printf("  %-20s %s\n", r.CollectorID, r.Status)
			}
		}
		fmt.Println("\nAcknowledge events with: cropwatch ack <id>...")
		return nil
	},
}

// --- ack command ---

var ackAll bool

var ackCmd = &cobra.Command{
	Use:   "ack [event-id]...",
	Short: "Acknowledge events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !ackAll && len(args) == 0 {
			return fmt.Errorf("pass event ids or --all")
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		var ids []int64
		if ackAll {
			events, err := db.UnacknowledgedEvents(0)
			if err != nil {
				return err
			}
			for _, e := range events {
				ids = append(ids, e.ID)
			}
		} else {
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid event id: %s", a)
				}
				ids = append(ids, id)
			}
		}

		n, err := db.AcknowledgeEvents(ids)
		if err != nil {
			return err
		}
		fmt.Printf("Acknowledged %d event(s)\n", n)
		return nil
	},
}

func init() {
	ackCmd.Flags().BoolVar(&ackAll, "all", false, "Acknowledge every unacknowledged event")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local JSON API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		schedules, _, err := buildRegistries(cfg)
		if err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(db, func() *schedule.Registry { return schedules }, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default from config)")
}

// buildRegistries validates the configured collectors into schedule and
// collector registries.
func buildRegistries(c *config.Config) (*schedule.Registry, *collector.Registry, error) {
	cal := calendar.New(c.Calendar)
	schedules, err := schedule.NewRegistry(c.Collectors, cal)
	if err != nil {
		return nil, nil, err
	}
	collectors, err := collector.NewRegistry(c.Collectors)
	if err != nil {
		return nil, nil, err
	}
	return schedules, collectors, nil
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "cropwatch.db")
	return database.Open(dbPath)
}
