package app

import (
	"context"
	"fmt"
	"time"

	"github.com/lovendo/momentcore/internal/app/policy"
	"github.com/lovendo/momentcore/internal/app/services/audit"
	"github.com/lovendo/momentcore/internal/app/services/chat"
	"github.com/lovendo/momentcore/internal/app/services/claims"
	"github.com/lovendo/momentcore/internal/app/services/escrow"
	"github.com/lovendo/momentcore/internal/app/services/ledger"
	"github.com/lovendo/momentcore/internal/app/services/moments"
	"github.com/lovendo/momentcore/internal/app/services/notify"
	"github.com/lovendo/momentcore/internal/app/services/proofs"
	"github.com/lovendo/momentcore/internal/app/services/signals"
	"github.com/lovendo/momentcore/internal/app/services/sweeper"
	"github.com/lovendo/momentcore/internal/app/storage"
	"github.com/lovendo/momentcore/internal/app/storage/memory"
	"github.com/lovendo/momentcore/internal/app/system"
	"github.com/lovendo/momentcore/internal/httputil"
	"github.com/lovendo/momentcore/internal/logging"
)

// Options configures New. Zero values select in-memory storage, the default
// policy and disabled side channels.
type Options struct {
	Store  storage.Store
	Policy *policy.Policy
	// Plans supplies per-plan commission rates.
	Plans escrow.CommissionSource
	// AIScan and Notify are the side channel clients; nil disables them.
	AIScan        *httputil.ServiceClient
	Notify        *httputil.ServiceClient
	NotifyOptions notify.Options
	SweepSchedule string
	// DisableSweeper leaves timeouts to explicit Sweep calls.
	DisableSweeper bool
	// Clock overrides the time source of every service.
	Clock func() time.Time
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logging.Logger

	Store  storage.Store
	Policy policy.Policy

	Audit    *audit.Service
	Ledger   *ledger.Service
	Moments  *moments.Service
	Claims   *claims.Service
	Escrow   *escrow.Service
	Proofs   *proofs.Service
	Chat     *chat.Service
	Signals  *signals.Service
	Scanner  *signals.Scanner
	Notifier *notify.Dispatcher
	Sweeper  *sweeper.Sweeper
}

// New builds a fully initialised application.
func New(opts Options, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.NewDefault("app")
	}
	store := opts.Store
	if store == nil {
		store = memory.New()
	}
	pol := policy.Default()
	if opts.Policy != nil {
		pol = *opts.Policy
	}
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	if opts.SweepSchedule != "" {
		if err := sweeper.ValidateSchedule(opts.SweepSchedule); err != nil {
			return nil, fmt.Errorf("sweep schedule %q: %w", opts.SweepSchedule, err)
		}
	}

	auditSvc := audit.New(store, log.Named("audit"))
	ledgerSvc := ledger.New(store, auditSvc, log.Named("ledger"))
	momentSvc := moments.New(store, auditSvc, log.Named("moments"))
	claimSvc := claims.New(store, momentSvc, ledgerSvc, auditSvc, pol, log.Named("claims"))
	escrowSvc := escrow.New(store, ledgerSvc, auditSvc, opts.Plans, pol, log.Named("escrow"))
	proofSvc := proofs.New(store, momentSvc, claimSvc, escrowSvc, auditSvc, pol, log.Named("proofs"))
	chatSvc := chat.New(store, auditSvc, nil, log.Named("chat"))
	signalSvc := signals.New(momentSvc, proofSvc, pol.AIFlagThreshold, log.Named("signals"))

	if opts.Clock != nil {
		auditSvc.WithClock(opts.Clock)
		ledgerSvc.WithClock(opts.Clock)
		momentSvc.WithClock(opts.Clock)
		claimSvc.WithClock(opts.Clock)
		escrowSvc.WithClock(opts.Clock)
		proofSvc.WithClock(opts.Clock)
		chatSvc.WithClock(opts.Clock)
	}

	scanner := signals.NewScanner(opts.AIScan, signalSvc, auditSvc, log.Named("ai-scanner"))
	if opts.AIScan != nil {
		momentSvc.OnPublish(scanner.MomentHook)
		proofSvc.OnSubmit(scanner.ProofHook)
	} else {
		log.Warn("AI scan endpoint not configured; content scanning disabled")
	}
	notifier := notify.New(opts.Notify, auditSvc, opts.NotifyOptions, log.Named("notify"))
	sweep := sweeper.New(claimSvc, escrowSvc, proofSvc, auditSvc, opts.SweepSchedule, log.Named("sweeper"))

	manager := system.NewManager()
	services := []system.Service{scanner, notifier}
	if !opts.DisableSweeper {
		services = append(services, sweep)
	}
	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:  manager,
		log:      log,
		Store:    store,
		Policy:   pol,
		Audit:    auditSvc,
		Ledger:   ledgerSvc,
		Moments:  momentSvc,
		Claims:   claimSvc,
		Escrow:   escrowSvc,
		Proofs:   proofSvc,
		Chat:     chatSvc,
		Signals:  signalSvc,
		Scanner:  scanner,
		Notifier: notifier,
		Sweeper:  sweep,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Services lists the lifecycle-managed services in start order.
func (a *Application) Services() []string {
	return a.manager.Services()
}

// Descriptors describes the registered lifecycle services.
func (a *Application) Descriptors() []system.Descriptor {
	return a.manager.Descriptors()
}
