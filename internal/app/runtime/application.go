// Package runtime builds the server process from configuration: storage,
// providers, the application services and the HTTP server.
package runtime

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	app "github.com/lovendo/momentcore/internal/app"
	"github.com/lovendo/momentcore/internal/app/httpapi"
	"github.com/lovendo/momentcore/internal/app/idempotency"
	"github.com/lovendo/momentcore/internal/app/services/escrow"
	"github.com/lovendo/momentcore/internal/app/storage"
	"github.com/lovendo/momentcore/internal/app/storage/memory"
	"github.com/lovendo/momentcore/internal/app/storage/sqlstore"
	"github.com/lovendo/momentcore/internal/config"
	"github.com/lovendo/momentcore/internal/httputil"
	"github.com/lovendo/momentcore/internal/logging"
	"github.com/lovendo/momentcore/internal/middleware"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logging.Logger
	app        *app.Application
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	closers    []func() error
	cancel     context.CancelFunc
}

// NewApplication constructs the process from cfg without starting anything.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	log := logging.New("momentd", cfg.Logging.Level, cfg.Logging.Format)
	rt := &Application{cfg: cfg, log: log}

	core, err := rt.buildCore(ctx)
	if err != nil {
		_ = rt.close()
		return nil, err
	}
	rt.app = core

	handlerCfg, err := rt.handlerConfig(ctx)
	if err != nil {
		_ = rt.close()
		return nil, err
	}
	handler, limiter := httpapi.NewHandler(core, handlerCfg)
	rt.limiter = limiter
	rt.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	return rt, nil
}

// BuildCore assembles the application services from cfg, for commands that
// need them without the HTTP server. The returned close func releases
// storage.
func BuildCore(ctx context.Context, cfg *config.Config, log *logging.Logger) (*app.Application, func() error, error) {
	rt := &Application{cfg: cfg, log: log}
	core, err := rt.buildCore(ctx)
	if err != nil {
		_ = rt.close()
		return nil, nil, err
	}
	return core, rt.close, nil
}

func (a *Application) buildCore(ctx context.Context) (*app.Application, error) {
	cfg := a.cfg
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("configure store: %w", err)
	}
	pol, err := cfg.Policy()
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	plans, err := a.commissionSource()
	if err != nil {
		return nil, fmt.Errorf("configure commission plans: %w", err)
	}
	schedule := ""
	if cfg.Sweep.Enabled {
		schedule = cfg.Sweep.Schedule
	}
	return app.New(app.Options{
		Store:          store,
		Policy:         &pol,
		Plans:          plans,
		AIScan:         a.providerClient(cfg.Providers.AIScanURL),
		Notify:         a.providerClient(cfg.Providers.NotifyURL),
		SweepSchedule:  schedule,
		DisableSweeper: !cfg.Sweep.Enabled,
	}, a.log)
}

func (a *Application) openStore(ctx context.Context) (storage.Store, error) {
	db := a.cfg.Database
	driver := strings.ToLower(db.Driver)
	if driver == "" || driver == config.DriverMemory {
		a.log.Warn("using in-memory storage; state is lost on restart")
		return memory.New(), nil
	}
	store, err := sqlstore.Open(ctx, driver, db.DSN, sqlstore.Options{
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
		Migrate:         db.AutoMigrate,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	a.log.WithField("driver", driver).Info("database connected")
	return store, nil
}

func (a *Application) commissionSource() (escrow.CommissionSource, error) {
	switch {
	case a.cfg.PlansFile != "":
		return escrow.LoadPlans(a.cfg.PlansFile)
	case a.cfg.Providers.PlansURL != "":
		return escrow.NewPlanClient(a.providerClient(a.cfg.Providers.PlansURL)), nil
	default:
		return nil, nil
	}
}

func (a *Application) providerClient(baseURL string) *httputil.ServiceClient {
	if strings.TrimSpace(baseURL) == "" {
		return nil
	}
	p := a.cfg.Providers
	return httputil.NewServiceClient(httputil.ServiceClientConfig{
		BaseURL:      baseURL,
		ServiceToken: p.Token,
		Timeout:      p.Timeout,
		MaxRetries:   p.MaxRetries,
	})
}

func (a *Application) handlerConfig(ctx context.Context) (httpapi.Config, error) {
	cfg := a.cfg
	out := httpapi.Config{
		Auth: middleware.AuthConfig{
			Secret:      []byte(cfg.Auth.JWTSecret),
			Admins:      cfg.Auth.Admins(),
			SuperAdmins: cfg.Auth.SuperAdmins(),
			Logger:      a.log.Named("auth"),
		},
		ServiceAuth: middleware.ServiceAuthConfig{
			Secret:          []byte(cfg.Auth.ServiceTokenSecret),
			AllowedServices: cfg.Auth.Services(),
			Logger:          a.log.Named("service-auth"),
		},
		CORSOrigins:    config.ParseCSV(cfg.Server.CORSOrigins),
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
		IdempotencyTTL: cfg.Redis.IdempotencyTTL,
		Logger:         a.log.Named("http"),
	}
	if cfg.Auth.JWTPublicKeyFile != "" {
		key, err := LoadRSAPublicKey(cfg.Auth.JWTPublicKeyFile)
		if err != nil {
			return out, fmt.Errorf("load JWT public key: %w", err)
		}
		out.Auth.PublicKey = key
	}
	if cfg.Auth.ServiceTokenSecret == "" {
		a.log.Warn("SERVICE_TOKEN_SECRET not set; service tokens are rejected")
	}

	if cfg.Redis.URL != "" {
		client, err := idempotency.OpenRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return out, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		out.Idempotency = idempotency.NewRedisStore(client, "momentcore:idem:")
	}

	sink, err := httpapi.NewFileRequestSink(cfg.RequestLogFile)
	if err != nil {
		return out, fmt.Errorf("open request log: %w", err)
	}
	if sink != nil {
		a.closers = append(a.closers, sink.Close)
		out.Requests = httpapi.NewRequestLog(500, sink)
	}
	return out, nil
}

// App exposes the composed services.
func (a *Application) App() *app.Application { return a.app }

// Handler exposes the HTTP handler.
func (a *Application) Handler() http.Handler { return a.httpServer.Handler }

// Run starts the services and the HTTP server and blocks until ctx is
// cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.limiter.StartCleanup(bg, 5*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server, then the services, then storage.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if a.cancel != nil {
		a.cancel()
	}
	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("services: %w", err))
	}
	if err := a.close(); err != nil {
		a.log.WithError(err).Warn("error releasing resources")
	}
	return errors.Join(errs...)
}

func (a *Application) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// LoadRSAPublicKey reads a PEM encoded RSA public key used to verify RS256
// user tokens.
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, errors.New("missing key path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPublicKeyFromPEM(raw)
}
