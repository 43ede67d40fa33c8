// Command crawlcore boots one crawler process: coordination store,
// Frontier, Fetcher, Scheduler, and the optional durable job/policy/sink
// stores, then drives them through a small cobra CLI. Grounded on the
// teacher's microservices/orchestrator's cmd entrypoint, collapsed from a
// multi-service deployment into a single process per SPEC_FULL.md's
// restructuring decision (see DESIGN.md).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/corpusflow/crawlcore/internal/config"
	"github.com/corpusflow/crawlcore/internal/controlplane"
	"github.com/corpusflow/crawlcore/internal/coordstore"
	"github.com/corpusflow/crawlcore/internal/fetcher"
	"github.com/corpusflow/crawlcore/internal/frontier"
	"github.com/corpusflow/crawlcore/internal/jobstore"
	"github.com/corpusflow/crawlcore/internal/logging"
	"github.com/corpusflow/crawlcore/internal/proxy"
	"github.com/corpusflow/crawlcore/internal/scheduler"
	"github.com/corpusflow/crawlcore/internal/seed"
	"github.com/corpusflow/crawlcore/internal/sink"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "crawlcore",
		Short: "distributed web-crawling core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to crawlcore config file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newAdmitCmd())
	root.AddCommand(newStartJobCmd())
	root.AddCommand(newJobStatusCmd("pause-job", jobstore.StatusPaused))
	root.AddCommand(newJobStatusCmd("resume-job", jobstore.StatusRunning))
	root.AddCommand(newJobStatusCmd("stop-job", jobstore.StatusCancelled))
	root.AddCommand(newStatsCmd())
	root.AddCommand(newDomainStatsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errStoreUnreachable) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// errStoreUnreachable marks a failure to reach the coordination store at
// start; main exits with code 2 for it and 1 for every other error.
var errStoreUnreachable = errors.New("coordination store unreachable")

// app bundles everything a subcommand needs, built once from config.
type app struct {
	cfg      *config.Config
	store    *coordstore.RedisStore
	fr       *frontier.Frontier
	fe       *fetcher.Fetcher
	sch      *scheduler.Scheduler
	jobsDB   *jobstore.DB
	jobs     *jobstore.Store
	policies *controlplane.PolicyStore
	cp       *controlplane.ControlPlane
}

// close releases every durable connection the app opened.
func (a *app) close() {
	if a.policies != nil {
		_ = a.policies.Close()
	}
	if a.jobsDB != nil {
		a.jobsDB.Close()
	}
	_ = a.store.Close()
}

func buildApp(ctx context.Context, sinkOverride *bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if sinkOverride != nil {
		cfg.Sink.Enabled = *sinkOverride
	}
	if err := logging.Init(cfg.Logging.Development); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	store, err := coordstore.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errStoreUnreachable, err)
	}

	fr, err := frontier.New(store, frontier.Config{
		KeyPrefix:         cfg.Frontier.KeyPrefix,
		DefaultDelay:      cfg.Frontier.DefaultDelay,
		MinDelay:          cfg.Frontier.MinDelay,
		MaxDelay:          cfg.Frontier.MaxDelay,
		PolitenessAlpha:   cfg.Frontier.PolitenessAlpha,
		ExpectedItems:     cfg.Frontier.ExpectedItems,
		FalsePositiveRate: cfg.Frontier.FalsePositiveRate,
		MetadataTTL:       cfg.Frontier.MetadataTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("build frontier: %w", err)
	}

	a := &app{cfg: cfg, store: store, fr: fr}

	var jobsDB *jobstore.DB
	var jobs *jobstore.Store
	var policies *controlplane.PolicyStore
	if cfg.Jobs.Enabled {
		db, err := jobstore.Connect(ctx, cfg.Jobs)
		if err != nil {
			return nil, fmt.Errorf("connect job store: %w", err)
		}
		if err := db.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure job schema: %w", err)
		}
		a.jobsDB = db
		jobsDB = db
		jobs = jobstore.NewStore(db)
		a.jobs = jobs

		policies, err = controlplane.OpenPolicyStore(cfg.Jobs.DSN())
		if err != nil {
			return nil, fmt.Errorf("open policy store: %w", err)
		}
		a.policies = policies
	}

	// Proxy rotation list is durable (spec §9 supplement: "proxy health
	// persistence across restarts") when a job database is configured,
	// falling back to the static config list otherwise.
	var proxyStore proxy.Store
	if jobsDB != nil {
		ps := jobstore.NewProxyStore(jobsDB)
		if err := ps.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure proxy schema: %w", err)
		}
		proxyStore = ps
	}
	rotator, err := proxy.LoadRotator(ctx, proxyStore, cfg.Fetcher.Proxies)
	if err != nil {
		return nil, fmt.Errorf("load proxy rotator: %w", err)
	}

	fe := fetcher.New(fetcher.Config{
		MaxConcurrentRequests: cfg.Fetcher.MaxConcurrentRequests,
		MaxConcurrentPerHost:  cfg.Fetcher.MaxConcurrentPerHost,
		ConnectTimeout:        cfg.Fetcher.ConnectTimeout,
		ReadTimeout:           cfg.Fetcher.ReadTimeout,
		TotalTimeout:          cfg.Fetcher.TotalTimeout,
		MaxRetries:            cfg.Fetcher.MaxRetries,
		RetryBase:             cfg.Fetcher.RetryBase,
		RetryCap:              cfg.Fetcher.RetryCap,
		BreakerFailures:       cfg.Fetcher.BreakerFailures,
		BreakerRecovery:       cfg.Fetcher.BreakerRecovery,
		HalfOpenMaxProbes:     cfg.Fetcher.HalfOpenMaxProbes,
		UserAgents:            cfg.Fetcher.UserAgents,
		MinContentLength:      cfg.Fetcher.MinContentLength,
	}, rotator)
	a.fe = fe

	sch := scheduler.New(scheduler.Config{
		MaxWorkers:           cfg.Scheduler.MaxWorkers,
		MaxRequestsPerSecond: cfg.Scheduler.MaxRequestsPerSecond,
		MaxRPMPerHost:        cfg.Scheduler.MaxRPMPerHost,
		HighWatermark:        cfg.Scheduler.HighWatermark,
		LowWatermark:         cfg.Scheduler.LowWatermark,
		BackpressureDelay:    cfg.Scheduler.BackpressureDelay,
		URLFetchTimeout:      cfg.Scheduler.URLFetchTimeout,
		IdleTimeout:          cfg.Scheduler.IdleTimeout,
	}, fr, fe)
	a.sch = sch

	if jobsDB != nil {
		if cfg.Sink.Enabled {
			writer := sink.NewPostgresWriter(jobsDB, sink.PostgresConfig{
				BufferSize:   cfg.Sink.BufferSize,
				FlushTimeout: cfg.Sink.FlushInterval,
			})
			if err := writer.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("ensure sink schema: %w", err)
			}
			sch.SetSink(&writerAdapter{w: writer}, "")
		}
	}

	a.cp = controlplane.New(fr, sch, jobs, policies)
	return a, nil
}

// writerAdapter satisfies scheduler.Sink by converting scheduler.SinkItem
// into sink.Item for the underlying Writer.
type writerAdapter struct {
	w sink.Writer
}

func (a *writerAdapter) Add(ctx context.Context, item scheduler.SinkItem) error {
	return a.w.Add(ctx, sink.Item{
		JobID: item.JobID,
		URL:   item.URL,
		Host:  item.Host,
		Title: item.Title,
		Text:  item.Text,
		Links: item.Links,
	})
}

func newRunCmd() *cobra.Command {
	var seedPath, seedFormat string
	var enableSink bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the crawler against a seed file until interrupted (the scheduler stops after idle_timeout; the command keeps waiting for a signal)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var sinkOverride *bool
			if cmd.Flags().Changed("sink") {
				sinkOverride = &enableSink
			}
			a, err := buildApp(ctx, sinkOverride)
			if err != nil {
				return err
			}
			defer a.close()

			entries, err := loadSeedFile(seedPath, seedFormat)
			if err != nil {
				return fmt.Errorf("load seed file: %w", err)
			}

			job, err := a.cp.StartJob(ctx, seedPath, entries)
			if err != nil {
				return fmt.Errorf("start job: %w", err)
			}
			logging.Info("crawl started", zap.String("job_id", job.ID), zap.Int("seed_entries", len(entries)))

			<-ctx.Done()
			logging.Info("shutdown signal received, stopping scheduler")
			return a.cp.StopJob(context.Background(), job.ID)
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "path to a seed file")
	cmd.Flags().StringVar(&seedFormat, "format", "text", "seed format: text, csv, json, or sitemap")
	cmd.Flags().BoolVar(&enableSink, "sink", false, "override config's sink.enabled for this run")
	_ = cmd.MarkFlagRequired("seed")
	return cmd
}

func newAdmitCmd() *cobra.Command {
	var priority float64
	cmd := &cobra.Command{
		Use:   "admit [url]",
		Short: "admit a single URL into a running crawl's frontier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			ok, err := a.cp.Admit(cmd.Context(), args[0], priority, nil)
			if err != nil {
				return err
			}
			fmt.Printf("admitted=%v\n", ok)
			return nil
		},
	}
	cmd.Flags().Float64Var(&priority, "priority", 1000.0, "admission priority")
	return cmd
}

func newStartJobCmd() *cobra.Command {
	var seedPath, seedFormat string
	var enableSink bool
	cmd := &cobra.Command{
		Use:   "start-job",
		Short: "start a job from a seed file without blocking on completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sinkOverride *bool
			if cmd.Flags().Changed("sink") {
				sinkOverride = &enableSink
			}
			a, err := buildApp(cmd.Context(), sinkOverride)
			if err != nil {
				return err
			}
			entries, err := loadSeedFile(seedPath, seedFormat)
			if err != nil {
				return err
			}
			job, err := a.cp.StartJob(cmd.Context(), seedPath, entries)
			if err != nil {
				return err
			}
			fmt.Println(job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "path to a seed file")
	cmd.Flags().StringVar(&seedFormat, "format", "text", "seed format: text, csv, json, or sitemap")
	cmd.Flags().BoolVar(&enableSink, "sink", false, "override config's sink.enabled for this run")
	_ = cmd.MarkFlagRequired("seed")
	return cmd
}

// newJobStatusCmd builds the pause-job/resume-job/stop-job commands. These
// update the durable job record's status directly; they do not reach into a
// separate `run` process's live Scheduler (spec §6.1's Admit API is a Go
// interface within one process, not a wire control protocol — see
// DESIGN.md for the single-process restructuring this implies).
func newJobStatusCmd(use string, status jobstore.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [job-id]",
		Short: fmt.Sprintf("set a durable job record's status to %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			if a.jobs == nil {
				return fmt.Errorf("jobs.enabled is false in config; no durable job store to update")
			}
			return a.jobs.SetStatus(cmd.Context(), args[0], status)
		},
	}
}

func newDomainStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "domain-stats",
		Short: "print per-domain crawl stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			domains, err := a.cp.PerDomainStats(cmd.Context())
			if err != nil {
				return err
			}
			for _, d := range domains {
				fmt.Printf("%s attempts=%d successes=%d failures=%d blocked=%v delay=%s\n",
					d.Host, d.Attempts, d.Successes, d.Failures, d.Blocked, d.Delay)
			}
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print live scheduler and per-domain stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			stats := a.cp.Stats(cmd.Context())
			fmt.Printf("state=%s scheduled=%d completed=%d failed=%d\n",
				stats.State, stats.URLsScheduled, stats.URLsCompleted, stats.URLsFailed)

			domains, err := a.cp.PerDomainStats(cmd.Context())
			if err != nil {
				return err
			}
			for _, d := range domains {
				fmt.Printf("  %s attempts=%d successes=%d failures=%d blocked=%v\n",
					d.Host, d.Attempts, d.Successes, d.Failures, d.Blocked)
			}
			return nil
		},
	}
}

func loadSeedFile(path, format string) ([]seed.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch format {
	case "csv":
		return seed.ParseCSV(f)
	case "json":
		return seed.ParseJSON(f)
	case "sitemap":
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		urls, err := seed.ParseSitemap(string(content))
		if err != nil {
			return nil, err
		}
		entries := make([]seed.Entry, len(urls))
		for i, u := range urls {
			entries[i] = seed.Entry{URL: u}
		}
		return entries, nil
	default:
		return seed.ParseText(f)
	}
}
