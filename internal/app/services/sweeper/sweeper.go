// Package sweeper runs the periodic lifecycle passes: claim expiry, proof
// deadline failure, escrow expiry and overdue review reporting.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	domainaudit "github.com/lovendo/momentcore/internal/app/domain/audit"
	"github.com/lovendo/momentcore/internal/app/metrics"
	"github.com/lovendo/momentcore/internal/app/services/audit"
	"github.com/lovendo/momentcore/internal/app/services/claims"
	"github.com/lovendo/momentcore/internal/app/services/escrow"
	"github.com/lovendo/momentcore/internal/app/services/proofs"
	"github.com/lovendo/momentcore/internal/app/system"
	"github.com/lovendo/momentcore/internal/logging"
)

// DefaultSchedule runs a pass every minute.
const DefaultSchedule = "@every 1m"

// Report summarizes one pass.
type Report struct {
	ExpiredClaims  claims.SweepResult `json:"expired_claims"`
	FailedClaims   claims.SweepResult `json:"failed_claims"`
	ExpiredEscrows int                `json:"expired_escrows"`
	EscrowFailures int                `json:"escrow_failures"`
	OverdueProofs  []string           `json:"overdue_proofs"`
	Duration       time.Duration      `json:"duration"`
}

// Sweeper is a cron driven system.Service.
type Sweeper struct {
	claims   *claims.Service
	escrow   *escrow.Service
	proofs   *proofs.Service
	audit    *audit.Service
	schedule string
	log      *logging.Logger

	mu       sync.Mutex
	cron     *cron.Cron
	running  bool
	reported map[string]struct{}
}

var _ system.Service = (*Sweeper)(nil)

// New constructs a sweeper. An empty schedule uses DefaultSchedule.
func New(claimSvc *claims.Service, escrowSvc *escrow.Service, proofSvc *proofs.Service, auditor *audit.Service, schedule string, log *logging.Logger) *Sweeper {
	if log == nil {
		log = logging.NewDefault("sweeper")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Sweeper{
		claims:   claimSvc,
		escrow:   escrowSvc,
		proofs:   proofSvc,
		audit:    auditor,
		schedule: schedule,
		log:      log,
		reported: make(map[string]struct{}),
	}
}

// ValidateSchedule reports whether expr parses as a cron schedule.
func ValidateSchedule(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

func (s *Sweeper) Name() string { return "sweeper" }

// Descriptor implements system.Describer.
func (s *Sweeper) Descriptor() system.Descriptor {
	return system.Descriptor{
		Name:         s.Name(),
		Domain:       "lifecycle",
		Capabilities: []string{"expire-claims", "lapse-proofs", "resolve-escrow"},
		Enabled:      true,
	}
}

// Start registers the pass with the cron scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	logger := cron.PrintfLogger(s.log)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	runCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep(runCtx) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.running = true
	s.log.WithField("schedule", s.schedule).Info("sweeper started")
	return nil
}

// Stop halts the scheduler and waits for a running pass.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one pass synchronously.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	start := time.Now()
	var r Report

	t := time.Now()
	r.ExpiredClaims = s.claims.ExpireDue(ctx)
	metrics.RecordSweep("claim_expire", r.ExpiredClaims.Processed, r.ExpiredClaims.Failed, time.Since(t))

	t = time.Now()
	r.FailedClaims = s.claims.FailDue(ctx)
	metrics.RecordSweep("claim_fail", r.FailedClaims.Processed, r.FailedClaims.Failed, time.Since(t))

	t = time.Now()
	r.ExpiredEscrows, r.EscrowFailures = s.escrow.ExpireDue(ctx)
	metrics.RecordSweep("escrow_expire", r.ExpiredEscrows, r.EscrowFailures, time.Since(t))

	t = time.Now()
	r.OverdueProofs = s.reportOverdue(ctx)
	metrics.RecordSweep("proof_overdue", len(r.OverdueProofs), 0, time.Since(t))

	r.Duration = time.Since(start)
	s.log.WithContext(ctx).
		WithField("claims_expired", r.ExpiredClaims.Processed).
		WithField("claims_failed", r.FailedClaims.Processed).
		WithField("escrows_expired", r.ExpiredEscrows).
		WithField("proofs_overdue", len(r.OverdueProofs)).
		WithField("duration_ms", r.Duration.Milliseconds()).
		Debug("sweep finished")
	return r
}

// reportOverdue audits each overdue proof once per process and returns the
// ids of all proofs currently overdue.
func (s *Sweeper) reportOverdue(ctx context.Context) []string {
	overdue, err := s.proofs.Overdue(ctx)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("list overdue proofs failed")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current := make(map[string]struct{}, len(overdue))
	ids := make([]string, 0, len(overdue))
	for _, p := range overdue {
		ids = append(ids, p.ID)
		current[p.ID] = struct{}{}
		if _, seen := s.reported[p.ID]; seen {
			continue
		}
		s.audit.RecordNow(ctx, audit.Entry{
			Actor:      account.System(),
			Action:     domainaudit.ActionProofOverdue,
			EntityType: "proof",
			EntityID:   p.ID,
			Metadata:   map[string]any{"claim_id": p.ClaimID, "moment_id": p.MomentID, "review_deadline": p.ReviewDeadline},
		})
		s.log.WithContext(ctx).WithField("proof_id", p.ID).Warn("proof review overdue")
	}
	s.reported = current
	return ids
}
