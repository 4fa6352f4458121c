package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	campaignrepo "github.com/elazharjebbari/alfenna-sub002/internal/campaigns/repository"
	campaignsvc "github.com/elazharjebbari/alfenna-sub002/internal/campaigns/service"
	"github.com/elazharjebbari/alfenna-sub002/internal/clock"
	"github.com/elazharjebbari/alfenna-sub002/internal/config"
	"github.com/elazharjebbari/alfenna-sub002/internal/delivery"
	emailsvc "github.com/elazharjebbari/alfenna-sub002/internal/email/service"
	flowctrl "github.com/elazharjebbari/alfenna-sub002/internal/flows/controller"
	flowsvc "github.com/elazharjebbari/alfenna-sub002/internal/flows/service"
	outboxdomain "github.com/elazharjebbari/alfenna-sub002/internal/outbox/domain"
	outboxrepo "github.com/elazharjebbari/alfenna-sub002/internal/outbox/repository"
	outboxsvc "github.com/elazharjebbari/alfenna-sub002/internal/outbox/service"
	"github.com/elazharjebbari/alfenna-sub002/internal/platform/counter"
	platformrl "github.com/elazharjebbari/alfenna-sub002/internal/platform/ratelimit"
	"github.com/elazharjebbari/alfenna-sub002/internal/ratelimit"
	tmplrepo "github.com/elazharjebbari/alfenna-sub002/internal/templates/repository"
	tmplsvc "github.com/elazharjebbari/alfenna-sub002/internal/templates/service"
	"github.com/elazharjebbari/alfenna-sub002/internal/token"
	userrepo "github.com/elazharjebbari/alfenna-sub002/internal/users/repository"
	usersvc "github.com/elazharjebbari/alfenna-sub002/internal/users/service"
)

// Core wires every messaging service over shared infrastructure. It is the
// single composition root used by the API server, the worker and the CLI.
type Core struct {
	Templates *tmplsvc.Service
	Outbox    *outboxsvc.Service
	Users     *usersvc.Service
	Limiter   *ratelimit.Limiter
	Tokens    *token.Service
	Producers *flowsvc.Producers
	Campaigns *campaignsvc.Service
	Scheduler *delivery.Scheduler
	Reaper    *delivery.Reaper

	pg         *pgxpool.Pool
	redis      *redis.Client
	outboxRepo *outboxrepo.Postgres
	cfg        config.Config
	log        zerolog.Logger
}

// NewCore builds the full service graph.
func NewCore(pg *pgxpool.Pool, rc *redis.Client, cfg config.Config, clk clock.Clock, log zerolog.Logger) (*Core, error) {
	tokens, err := token.New(cfg.TokenSigningKeys, clk)
	if err != nil {
		return nil, err
	}

	templates := tmplsvc.New(tmplrepo.NewPostgres(pg), cfg.DefaultLocale, log)
	outboxRepository := outboxrepo.NewPostgres(pg)
	outbox := outboxsvc.New(outboxRepository, templates, clk, log)
	users := usersvc.New(userrepo.NewPostgres(pg), log)
	limiter := ratelimit.New(counter.NewRedis(rc), outboxRepository, cfg, clk, log)
	campaigns := campaignsvc.New(campaignrepo.NewPostgres(pg), outbox, users, clk, cfg.CampaignBatchSize, log)
	producers := flowsvc.NewProducers(outbox, users, limiter, tokens, campaigns, cfg, log)

	sender, err := emailsvc.NewRouter(cfg, log)
	if err != nil {
		return nil, err
	}
	worker := delivery.NewWorker(outboxRepository, sender, cfg, clk, log)
	scheduler := delivery.NewScheduler(outboxRepository, worker, cfg, clk, log)
	reaper := delivery.NewReaper(outboxRepository, cfg, clk, log)
	outbox.OnEnqueued(scheduler.Notify)

	return &Core{
		Templates:  templates,
		Outbox:     outbox,
		Users:      users,
		Limiter:    limiter,
		Tokens:     tokens,
		Producers:  producers,
		Campaigns:  campaigns,
		Scheduler:  scheduler,
		Reaper:     reaper,
		pg:         pg,
		redis:      rc,
		outboxRepo: outboxRepository,
		cfg:        cfg,
		log:        log,
	}, nil
}

// Register mounts the HTTP boundary under /messaging.
func (c *Core) Register(e *echo.Echo) {
	resetThrottle := platformrl.Middleware(platformrl.Policy{
		Name:   "reset:request",
		Window: time.Minute,
		Limit:  10,
		Key:    platformrl.KeyIP("reset"),
	}, counter.NewRedis(c.redis))

	ctrl := flowctrl.New(c.Producers, c.Outbox, c.Ping, func(purpose string) int {
		return c.cfg.RetryPolicyFor(purpose).MaxAttempts
	}, flowctrl.VerifyScreens{Success: c.cfg.VerifySuccessURL, Error: c.cfg.VerifyErrorURL}, c.log)
	ctrl.Register(e.Group("/messaging"), resetThrottle)
	ctrl.RegisterAdmin(e.Group("/messaging/admin"))
}

// Ping verifies both backing stores.
func (c *Core) Ping(ctx context.Context) error {
	if err := c.pg.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// OutboxCounts reports per-status entry counts, optionally scoped to one
// namespace.
func (c *Core) OutboxCounts(ctx context.Context, namespace string) ([]outboxdomain.StatusCount, error) {
	return c.outboxRepo.CountByStatus(ctx, namespace)
}
