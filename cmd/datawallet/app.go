package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/gotrs-io/datawallet/internal/allocator"
	"github.com/gotrs-io/datawallet/internal/authorization"
	"github.com/gotrs-io/datawallet/internal/config"
	"github.com/gotrs-io/datawallet/internal/content"
	"github.com/gotrs-io/datawallet/internal/email/inbound/adapter"
	"github.com/gotrs-io/datawallet/internal/email/inbound/connector"
	"github.com/gotrs-io/datawallet/internal/email/parser"
	"github.com/gotrs-io/datawallet/internal/ledger"
	"github.com/gotrs-io/datawallet/internal/metrics"
	"github.com/gotrs-io/datawallet/internal/notifications"
	"github.com/gotrs-io/datawallet/internal/pipeline"
	"github.com/gotrs-io/datawallet/internal/repository"
	"github.com/gotrs-io/datawallet/internal/repository/memory"
	"github.com/gotrs-io/datawallet/internal/retry"
	"github.com/gotrs-io/datawallet/internal/storage"
	"github.com/gotrs-io/datawallet/internal/validator"
)

// app holds every long-lived component built from the configuration.
type app struct {
	cfg       *config.Config
	logger    *log.Logger
	plain     *log.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	directory *validator.Directory
	ledger    ledger.Ledger
	content   *content.Service
	service   *pipeline.Service
	closers   []io.Closer
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags)
}

// buildApp wires the pipeline from cfg. Close releases the database and
// Redis connections it opened.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   newLogger("[DATAWALLET] "),
		plain:    newLogger(""),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	dir, err := loadDirectory(cfg)
	if err != nil {
		return nil, err
	}
	a.directory = dir

	var registered []string
	for _, o := range dir.Owners() {
		registered = append(registered, o.Identity)
	}
	l, err := ledger.New(cfg.Ledger, registered, a.plain)
	if err != nil {
		return nil, err
	}
	a.ledger = l

	policy, err := validator.ParsePolicy(cfg.Validation.Policy)
	if err != nil {
		return nil, err
	}
	if policy == validator.AllowAllForTesting {
		a.logger.Printf("WARNING: validation policy %s reports violations as warnings only", policy)
	}
	validatorOpts := []validator.Option{validator.WithPolicy(policy), validator.WithLogger(newLogger("[VALIDATE] "))}
	if cfg.Validation.RequireRegistration {
		validatorOpts = append(validatorOpts, validator.WithRegistrationChecker(l))
	}
	v := validator.New(dir, validator.Limits{
		MaxMessageBytes: cfg.Validation.MaxMessageBytes,
		MaxAttachments:  cfg.Validation.MaxAttachments,
		AllowedTypes:    cfg.Validation.AllowedTypes,
	}, validatorOpts...)

	store, err := storage.NewFromConfig(cfg.Content, newLogger("[CONTENT] "))
	if err != nil {
		return nil, err
	}
	staging, err := storage.NewStaging(cfg.Content.StagingPath)
	if err != nil {
		return nil, err
	}
	a.content = content.NewService(store,
		content.WithPublishBoundary(a.boundary(content.BoundaryPublish)),
		content.WithRetrieveBoundary(a.boundary(content.BoundaryRetrieve)),
		content.WithMetrics(a.metrics),
		content.WithLogger(newLogger("[CONTENT] ")),
	)

	repo, err := a.openRepository(ctx)
	if err != nil {
		return nil, err
	}

	broker, err := a.buildBroker()
	if err != nil {
		return nil, err
	}

	notifier, err := a.buildNotifier()
	if err != nil {
		return nil, err
	}

	a.service, err = pipeline.NewService(pipeline.Components{
		Repository: repo,
		Parser:     parser.New(parser.WithLogger(a.plain)),
		Validator:  v,
		Allocator: allocator.New(staging,
			allocator.WithCostModel(allocator.CostModel{
				Base:          cfg.Cost.Base,
				PerMiB:        cfg.Cost.PerMiB,
				PerAttachment: cfg.Cost.PerAttachment,
			}),
			allocator.WithLogger(newLogger("[ALLOCATE] "))),
		Staging: staging,
		Broker:  broker,
		Content: a.content,
		Attestor: ledger.NewAttestor(l,
			ledger.WithBoundary(a.boundary(ledger.BoundaryAttest)),
			ledger.WithMetrics(a.metrics),
			ledger.WithLogger(a.plain)),
		Notifier: notifier,
	},
		pipeline.WithWorkers(cfg.Workers.Finalize, cfg.Workers.QueueSize),
		pipeline.WithMailBoundary(a.boundary(pipeline.BoundaryMailList)),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(a.plain),
	)
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func loadDirectory(cfg *config.Config) (*validator.Directory, error) {
	if cfg.Validation.OwnersFile != "" {
		return validator.LoadDirectoryFile(cfg.Validation.OwnersFile)
	}
	owners := make([]validator.Owner, 0, len(cfg.Owners))
	for _, o := range cfg.Owners {
		owners = append(owners, validator.Owner{Identity: o.Identity, Email: o.Email, AllowList: o.AllowList})
	}
	return validator.NewDirectory(owners...), nil
}

// boundary builds the retry policy and circuit breaker for one external
// system. Breaker moves are exported as a gauge.
func (a *app) boundary(name string) retry.Boundary {
	r := a.cfg.Retry
	policy := retry.Policy{MaxAttempts: r.MaxAttempts, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay}
	if r.BreakerThreshold <= 0 {
		return retry.Boundary{Policy: policy}
	}
	breaker := retry.NewBreaker(name, r.BreakerThreshold, r.BreakerCooldown,
		retry.WithStateChange(func(name string, from, to retry.State) {
			a.metrics.SetBreakerState(name, int(to))
			a.logger.Printf("circuit breaker %s: %s -> %s", name, from, to)
		}))
	return retry.Boundary{Policy: policy, Breaker: breaker}
}

func (a *app) openRepository(ctx context.Context) (repository.TaskRepository, error) {
	switch strings.ToLower(a.cfg.Database.Driver) {
	case "", "memory":
		a.logger.Println("task records are kept in memory and lost on restart")
		return memory.NewTaskRepository(), nil
	default:
		repo, err := repository.OpenTaskRepository(ctx, a.cfg.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, repo)
		return repo, nil
	}
}

func (a *app) buildBroker() (*authorization.Broker, error) {
	ac := a.cfg.Authorization

	var store authorization.Store
	switch strings.ToLower(ac.Store) {
	case "", "memory":
		store = authorization.NewMemoryStore()
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.GetRedisAddr(),
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, client)
		store = authorization.NewRedisStore(client, a.cfg.Redis.Prefix,
			authorization.WithRedisLogger(a.plain))
	default:
		return nil, fmt.Errorf("unknown authorization store %q", ac.Store)
	}

	var verifier authorization.Verifier
	switch strings.ToLower(ac.Scheme) {
	case "", "jwt":
		verifier = authorization.NewJWTVerifier(ac.Secret)
	case "none":
		a.logger.Println("WARNING: authorization signatures are not checked")
		verifier = authorization.AcceptAll
	default:
		return nil, fmt.Errorf("unknown authorization scheme %q", ac.Scheme)
	}

	return authorization.NewBroker(store, verifier,
		authorization.WithWindow(ac.Window),
		authorization.WithCallbackBaseURL(ac.CallbackBaseURL),
		authorization.WithMetrics(a.metrics),
		authorization.WithLogger(a.plain),
	), nil
}

func (a *app) buildNotifier() (notifications.Notifier, error) {
	notifiers := notifications.Multi{notifications.NewLogNotifier(a.plain)}

	if a.cfg.Email.Enabled {
		renderer, err := notifications.NewRenderer(nil)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, notifications.NewSMTPNotifier(
			notifications.NewSMTPProvider(&a.cfg.Email),
			renderer,
			a.directory.EmailForIdentity,
			a.plain,
		))
	}

	if wh := a.cfg.Notifications.Webhook; wh.Enabled {
		notifiers = append(notifiers, notifications.NewWebhookNotifier(wh.URL, wh.Secret, wh.Timeout,
			notifications.WithWebhookBoundary(a.boundary(notifications.BoundaryNotify)),
			notifications.WithWebhookLogger(a.plain),
		))
	}
	return notifiers, nil
}

// mailSource opens the configured mailbox, or returns nil when polling is off.
func (a *app) mailSource() (connector.MailSource, error) {
	if !a.cfg.Mail.Enabled {
		return nil, nil
	}
	return connector.DefaultFactory(newLogger("[MAIL] ")).SourceFor(adapter.AccountFromConfig(a.cfg.Mail))
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
