package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/api/swagger"
	"github.com/mattrax/forge/pkg/forge/admin"
	"github.com/mattrax/forge/pkg/forge/applications"
	"github.com/mattrax/forge/pkg/forge/auth"
	"github.com/mattrax/forge/pkg/forge/authz"
	"github.com/mattrax/forge/pkg/forge/config"
	"github.com/mattrax/forge/pkg/forge/deploy"
	"github.com/mattrax/forge/pkg/forge/devices"
	"github.com/mattrax/forge/pkg/forge/dns"
	"github.com/mattrax/forge/pkg/forge/graph"
	"github.com/mattrax/forge/pkg/forge/groups"
	"github.com/mattrax/forge/pkg/forge/identityproviders"
	"github.com/mattrax/forge/pkg/forge/logging"
	"github.com/mattrax/forge/pkg/forge/mail"
	"github.com/mattrax/forge/pkg/forge/metrics"
	"github.com/mattrax/forge/pkg/forge/organisations"
	"github.com/mattrax/forge/pkg/forge/policies"
	"github.com/mattrax/forge/pkg/forge/ratelimit"
	"github.com/mattrax/forge/pkg/forge/scheduler"
	"github.com/mattrax/forge/pkg/forge/tenants"
	"github.com/mattrax/forge/pkg/forge/users"
	"github.com/mattrax/forge/pkg/forge/webhooks"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// stateTTL bounds how long an admin has to finish the Microsoft consent flow.
const stateTTL = 10 * time.Minute

// app holds the long lived components shared by the router, the scheduler
// and the deploy consumer.
type app struct {
	cfg    *config.Config
	db     *gorm.DB
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  metrics.Recorder
	authz    *authz.Authorizer
	sessions *auth.Sessions
	limiter  *ratelimit.Limiter
	syncer   *identityproviders.Syncer
	deploys  *deploy.Service

	nats *nats.Conn
	sub  *nats.Subscription
}

func newApp(cfg *config.Config, db *gorm.DB, logger *zap.Logger) (*app, error) {
	mode, err := authz.ParseMode(cfg.AuthzMode)
	if err != nil {
		return nil, err
	}
	az, err := authz.NewAuthorizer(mode, authz.WithLogger(logger.Named("authz")))
	if err != nil {
		return nil, err
	}
	if mode != authz.ModeEnforce {
		logger.Warn("authorization is not enforced", zap.String("mode", string(mode)))
	}

	a := &app{
		cfg:      cfg,
		db:       db,
		logger:   logger,
		metrics:  metrics.NoopRecorder{},
		authz:    az,
		sessions: auth.NewSessions(db, cfg.SessionTTL, cfg.SecureCookies()),
		limiter:  ratelimit.New(cfg.LoginRateLimit, cfg.LoginBurst),
	}
	if cfg.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.metrics = metrics.NewPrometheusRecorder(a.registry)
	}

	client := graph.NewHTTPClient(cfg.Entra.ClientID, cfg.Entra.ClientSecret)
	a.syncer = identityproviders.NewSyncer(db, client, cfg.BaseURL, cfg.InternalSecret, logger.Named("idp"), a.metrics)

	// Without NATS, deploys are resolved to pending device statuses in process.
	var dispatcher deploy.Dispatcher
	if cfg.NATS.URL != "" {
		a.nats, err = nats.Connect(cfg.NATS.URL,
			nats.Name("forge-server"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("nats disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
			}))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		dispatcher = deploy.NewNATSDispatcher(a.nats, cfg.NATS.Subject)
	}
	a.deploys = deploy.NewService(db, dispatcher, logger.Named("deploy"), a.metrics)
	if a.nats != nil {
		a.sub, err = deploy.Subscribe(a.nats, cfg.NATS.Subject, a.deploys.RecordPending, logger.Named("deploy"))
		if err != nil {
			a.nats.Close()
			return nil, err
		}
	}
	return a, nil
}

// router builds the HTTP API.
func (a *app) router() (*gin.Engine, error) {
	cfg, db, logger := a.cfg, a.db, a.logger

	sealer, err := auth.NewSealer(cfg.Secret)
	if err != nil {
		return nil, err
	}
	states := auth.NewStateSigner(cfg.Secret, stateTTL)
	linker := graph.NewOAuthLinker(cfg.Entra.ClientID, cfg.Entra.ClientSecret, cfg.BaseURL+"/api/ms/link")
	enrollment := dns.NewEnrollmentChecker(dns.NewDoHResolver())
	mailer := mail.LogMailer{Logger: logger.Named("mail")}

	r := gin.New()
	r.Use(logging.Recovery(logger), logging.Middleware(logger.Named("http")), metrics.Middleware(a.metrics))

	r.GET("/health", a.health)
	if a.registry != nil {
		r.GET("/metrics", gin.WrapH(metrics.HTTPHandler(a.registry)))
	}
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	public := r.Group("/api")
	public.GET("/health", a.health)
	api := r.Group("/api", auth.SessionMiddleware(db, a.sessions))
	org := api.Group("/o/:orgSlug", auth.OrgMiddleware())
	tenant := api.Group("/t/:tenantSlug", auth.TenantMiddleware())
	internal := public.Group("/internal", auth.RequireInternalSecret(cfg.InternalSecret))

	authHandler := auth.NewHandler(db, a.sessions, auth.Options{
		BaseURL:           cfg.BaseURL,
		Mailer:            mailer,
		Limiter:           a.limiter,
		Logger:            logger.Named("auth"),
		Metrics:           a.metrics,
		SuperadminDomains: cfg.SuperadminDomains,
	})
	authHandler.RegisterRoutes(public.Group("/auth"))
	authHandler.RegisterAuthedRoutes(api.Group("/auth"))

	orgHandler := organisations.NewHandler(db, a.sessions, a.authz, mailer, cfg.BaseURL, logger.Named("orgs"))
	orgHandler.RegisterRoutes(api.Group("/orgs"))
	orgHandler.RegisterOrgRoutes(org)
	orgHandler.RegisterPublicRoutes(public)

	tenantHandler := tenants.NewHandler(db, a.authz, logger.Named("tenants"))
	tenantHandler.RegisterOrgRoutes(org)
	tenantHandler.RegisterTenantRoutes(tenant)

	idpHandler := identityproviders.NewHandler(db, a.syncer, linker, states, sealer, enrollment, identityproviders.Options{
		SkipSubscriptions: cfg.IsLocal(),
		Logger:            logger.Named("idp"),
	})
	idpHandler.RegisterTenantRoutes(tenant)
	idpHandler.RegisterAuthedRoutes(api)
	idpHandler.RegisterPublicRoutes(public)

	webhooks.NewHandler(a.syncer, logger.Named("webhooks")).RegisterRoutes(public)

	userHandler := users.NewHandler(db)
	userHandler.RegisterTenantRoutes(tenant)
	userHandler.RegisterRoutes(api)

	deviceHandler := devices.NewHandler(db, logger.Named("devices"))
	deviceHandler.RegisterTenantRoutes(tenant)
	deviceHandler.RegisterRoutes(api)

	groupHandler := groups.NewHandler(db)
	groupHandler.RegisterTenantRoutes(tenant)
	groupHandler.RegisterRoutes(api)

	appHandler := applications.NewHandler(db)
	appHandler.RegisterTenantRoutes(tenant)
	appHandler.RegisterRoutes(api)

	policyHandler := policies.NewHandler(db, a.deploys, logger.Named("policies"))
	policyHandler.RegisterTenantRoutes(tenant)
	policyHandler.RegisterRoutes(api)
	policyHandler.RegisterInternalRoutes(internal)

	admin.NewHandler(db, a.authz, cfg.SuperadminDomains, logger.Named("admin")).RegisterRoutes(api)

	swagger.Default.SetVersion(version)
	swagger.Default.Describe(r.Routes())
	return r, nil
}

func (a *app) health(c *gin.Context) {
	sqlDB, err := a.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		a.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "forge", "version": version})
}

func (a *app) jobs() []scheduler.Job {
	deps := scheduler.Deps{
		Sessions:     a.sessions,
		Limiter:      a.limiter,
		SyncInterval: a.cfg.SyncInterval,
		Logger:       a.logger.Named("jobs"),
	}
	// Directory sync needs application credentials.
	if a.cfg.Entra.ClientID != "" {
		deps.Syncer = a.syncer
	}
	return scheduler.DefaultJobs(deps)
}

// serve runs the HTTP server and scheduler until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	handler, err := a.router()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.cfg.SchedulerEnabled {
		s, err := scheduler.New(a.logger.Named("scheduler"), a.metrics)
		if err != nil {
			return err
		}
		for _, job := range a.jobs() {
			if err := s.Add(job); err != nil {
				return err
			}
		}
		s.Start()
		defer func() {
			if err := s.Stop(); err != nil {
				a.logger.Warn("failed to stop scheduler", zap.Error(err))
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("starting forge server",
			zap.String("addr", a.cfg.HTTPAddr),
			zap.String("base_url", a.cfg.BaseURL),
			zap.String("version", version))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *app) close() {
	if a.sub != nil {
		if err := a.sub.Drain(); err != nil {
			a.logger.Warn("failed to drain deploy subscription", zap.Error(err))
		}
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}
