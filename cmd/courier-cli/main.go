package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	campaigndomain "github.com/elazharjebbari/alfenna-sub002/internal/campaigns/domain"
	"github.com/elazharjebbari/alfenna-sub002/internal/clock"
	"github.com/elazharjebbari/alfenna-sub002/internal/config"
	"github.com/elazharjebbari/alfenna-sub002/internal/logger"
	"github.com/elazharjebbari/alfenna-sub002/internal/messaging"
	"github.com/elazharjebbari/alfenna-sub002/internal/version"
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildCore connects both stores and wires the service graph. Commands that
// only touch the database still get a redis client; it connects lazily.
func buildCore() (*messaging.Core, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(cfg.AppEnv)

	pgPool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("pg pool: %w", err)
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	core, err := messaging.NewCore(pgPool, redisClient, cfg, clock.System{}, log)
	if err != nil {
		pgPool.Close()
		_ = redisClient.Close()
		return nil, nil, err
	}
	cleanup := func() {
		pgPool.Close()
		_ = redisClient.Close()
	}
	return core, cleanup, nil
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "courier",
		Short:         "Operations CLI for the messaging platform",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		migrateCmd(),
		syncTemplatesCmd(),
		templateCmd(),
		drainCmd(),
		reapCmd(),
		campaignCmd(),
		tokenCmd(),
		outboxCmd(),
	)
	return root
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Run database migrations",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := sql.Open("pgx", cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := goose.SetDialect("postgres"); err != nil {
				return err
			}
			const dir = "./migrations"
			switch args[0] {
			case "up":
				return goose.Up(db, dir)
			case "down":
				return goose.Down(db, dir)
			case "status":
				return goose.Status(db, dir)
			}
			return fmt.Errorf("unknown migrate subcommand %q", args[0])
		},
	}
	return cmd
}

func syncTemplatesCmd() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "sync-templates",
		Short: "Reconcile on-disk templates into the versioned catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, cleanup, err := buildCore()
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := core.Templates.SyncFromFilesystem(cmd.Context(), root)
			if err != nil {
				return err
			}
			fmt.Printf("discovered=%d created=%d unchanged=%d\n", res.Discovered, res.Created, res.Unchanged)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "./templates", "template tree root")
	return cmd
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Inspect the versioned template catalog",
	}

	versions := &cobra.Command{
		Use:   "versions <slug>",
		Short: "List every stored version of a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cleanup, err := buildCore()
			if err != nil {
				return err
			}
			defer cleanup()

			records, err := core.Templates.ListVersions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, rec := range records {
				state := "active"
				if !rec.IsActive {
					state = "inactive"
				}
				fmt.Printf("%-6s v%-3d %-8s %s\n", rec.Locale, rec.Version, state, rec.Subject)
			}
			return nil
		},
	}

	var (
		locale  string
		version int
	)
	deactivate := &cobra.Command{
		Use:   "deactivate <slug>",
		Short: "Retire one template version from resolution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cleanup, err := buildCore()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := core.Templates.Deactivate(cmd.Context(), args[0], locale, version); err != nil {
				return err
			}
			fmt.Printf("deactivated %s %s v%d\n", args[0], locale, version)
			return nil
		},
	}
	deactivate.Flags().StringVar(&locale, "locale", "", "template locale")
	deactivate.Flags().IntVar(&version, "version", 0, "version to retire")
	_ = deactivate.MarkFlagRequired("locale")
	_ = deactivate.MarkFlagRequired("version")

	cmd.AddCommand(versions, deactivate)
	return cmd
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Lease and deliver one batch of due messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, cleanup, err := buildCore()
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := core.Scheduler.DrainOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("drained=%d\n", n)
			return nil
		},
	}
}

func reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Return stale sending leases to the retry queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, cleanup, err := buildCore()
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := core.Reaper.ReapOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("reaped=%d\n", n)
			return nil
		},
	}
}

func campaignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Manage marketing campaigns",
	}

	var (
		name      string
		template  string
		locale    string
		subject   string
		ctxRaw    string
		dryRun    bool
		batchSize int
		atRaw     string
		limit     int
	)
	create := &cobra.Command{
		Use:   "create <slug>",
		Short: "Register a draft campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cleanup, err := buildCore()
			if err != nil {
				return err
			}
			defer cleanup()

			campaignCtx := map[string]any{}
			if ctxRaw != "" {
				if err := json.Unmarshal([]byte(ctxRaw), &campaignCtx); err != nil {
					return fmt.Errorf("invalid --context: %w", err)
				}
			}
			created, err := core.Campaigns.Create(cmd.Context(), campaigndomain.Campaign{
				Slug:            args[0],
				Name:            name,
				TemplateSlug:    template,
				Locale:          locale,
				SubjectOverride: subject,
				Context:         campaignCtx,
				DryRun:          dryRun,
				BatchSize:       batchSize,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created campaign %s (id=%d)\n", created.Slug, created.ID)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&template, "template", "", "template slug to render")
	create.Flags().StringVar(&locale, "locale", "", "force one locale for every recipient")
	create.Flags().StringVar(&subject, "subject", "", "override the template subject")
	create.Flags().StringVar(&ctxRaw, "context", "", "shared render context as JSON")
	create.Flags().BoolVar(&dryRun, "dry-run", false, "rehearse fan-out without enqueueing")
	create.Flags().IntVar(&batchSize, "batch-size", 0, "fan-out batch size, 0 for the default")
	_ = create.MarkFlagRequired("template")

	build := &cobra.Command{
		Use:   "build <slug>",
		Short: "Snapshot the opted-in audience into the campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cleanup, err := buildCore()
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := core.Campaigns.BuildRecipients(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("added=%d\n", n)
			return nil
		},
	}

	schedule := &cobra.Command{
		Use:   "schedule <slug>",
		Short: "Arm a campaign to start at a given time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cleanup, err := buildCore()
			if err != nil {
				return err
			}
			defer cleanup()

			at, err := time.Parse(time.RFC3339, atRaw)
			if err != nil {
				return fmt.Errorf("invalid --at, want RFC3339: %w", err)
			}
			if err := core.Campaigns.ScheduleAt(cmd.Context(), args[0], at); err != nil {
				return err
			}
			fmt.Printf("scheduled %s for %s\n", args[0], at.Format(time.RFC3339))
			return nil
		},
	}
	schedule.Flags().StringVar(&atRaw, "at", "", "start time, RFC3339")
	_ = schedule.MarkFlagRequired("at")

	run := &cobra.Command{
		Use:   "run <slug>",
		Short: "Start a campaign now and fan it out to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cleanup, err := buildCore()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := core.Campaigns.Start(cmd.Context(), args[0]); err != nil {
				return err
			}
			campaign, err := core.Campaigns.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("campaign %s is %s\n", campaign.Slug, campaign.Status)
			return nil
		},
	}

	enqueue := &cobra.Command{
		Use:   "enqueue <slug>",
		Short: "Fan out one batch of a running campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cleanup, err := buildCore()
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := core.Producers.EnqueueCampaignBatch(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			fmt.Printf("enqueued=%d\n", n)
			return nil
		},
	}
	enqueue.Flags().IntVar(&limit, "limit", 0, "batch size, 0 for the campaign's own")

	cmd.AddCommand(create, build, schedule, run, enqueue)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint and verify capability tokens",
	}

	var (
		namespace string
		purpose   string
		claimsRaw string
		ttl       time.Duration
	)
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a scoped token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, cleanup, err := buildCore()
			if err != nil {
				return err
			}
			defer cleanup()

			claims := map[string]any{}
			if claimsRaw != "" {
				if err := json.Unmarshal([]byte(claimsRaw), &claims); err != nil {
					return fmt.Errorf("invalid --claims: %w", err)
				}
			}
			signed, err := core.Tokens.Mint(namespace, purpose, claims)
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	verify := &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a token against a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cleanup, err := buildCore()
			if err != nil {
				return err
			}
			defer cleanup()

			payload, err := core.Tokens.Verify(args[0], namespace, purpose, ttl)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(payload, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	for _, c := range []*cobra.Command{mint, verify} {
		c.Flags().StringVar(&namespace, "namespace", "accounts", "token namespace")
		c.Flags().StringVar(&purpose, "purpose", "", "token purpose")
		_ = c.MarkFlagRequired("purpose")
	}
	mint.Flags().StringVar(&claimsRaw, "claims", "", "claims as JSON")
	verify.Flags().DurationVar(&ttl, "ttl", time.Hour, "maximum accepted token age")

	cmd.AddCommand(mint, verify)
	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and operate on the outbox",
	}

	var namespace string
	status := &cobra.Command{
		Use:   "status",
		Short: "Count entries per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, cleanup, err := buildCore()
			if err != nil {
				return err
			}
			defer cleanup()

			counts, err := core.OutboxCounts(cmd.Context(), namespace)
			if err != nil {
				return err
			}
			for _, c := range counts {
				fmt.Printf("%-12s %d\n", c.Status, c.Count)
			}
			return nil
		},
	}
	status.Flags().StringVar(&namespace, "namespace", "", "restrict to one namespace")

	resend := &cobra.Command{
		Use:   "resend <entry-id>",
		Short: "Clone a terminal entry back into the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cleanup, err := buildCore()
			if err != nil {
				return err
			}
			defer cleanup()

			var id int64
			if _, err := fmt.Sscan(args[0], &id); err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			entry, err := core.Outbox.Resend(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("entry_id=%d dedup_key=%s\n", entry.ID, entry.DedupKey)
			return nil
		},
	}

	var reason string
	fail := &cobra.Command{
		Use:   "fail <entry-id>",
		Short: "Park an entry in FAILED for human follow-up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cleanup, err := buildCore()
			if err != nil {
				return err
			}
			defer cleanup()

			var id int64
			if _, err := fmt.Sscan(args[0], &id); err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			if err := core.Outbox.MarkFailed(cmd.Context(), id, reason); err != nil {
				return err
			}
			fmt.Printf("entry_id=%d status=failed\n", id)
			return nil
		},
	}
	fail.Flags().StringVar(&reason, "reason", "", "why the entry is being parked")
	_ = fail.MarkFlagRequired("reason")

	cmd.AddCommand(status, resend, fail)
	return cmd
}
