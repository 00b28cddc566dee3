package signals

import (
	"context"
	"sync"
	"time"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	domainaudit "github.com/lovendo/momentcore/internal/app/domain/audit"
	"github.com/lovendo/momentcore/internal/app/domain/moment"
	"github.com/lovendo/momentcore/internal/app/domain/proof"
	"github.com/lovendo/momentcore/internal/app/metrics"
	"github.com/lovendo/momentcore/internal/app/services/audit"
	"github.com/lovendo/momentcore/internal/app/system"
	"github.com/lovendo/momentcore/internal/httputil"
	"github.com/lovendo/momentcore/internal/logging"
)

const providerAIScan = "ai_scan"

// ScanRequest is posted to the AI scanning service.
type ScanRequest struct {
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id"`
	MomentID   string   `json:"moment_id"`
	Title      string   `json:"title,omitempty"`
	MediaRefs  []string `json:"media_refs,omitempty"`
	Note       string   `json:"note,omitempty"`
}

// Scanner submits content to the AI service in the background and feeds the
// verdict back through Ingest. Scans never block the caller and a failed scan
// only leaves an audit trail.
type Scanner struct {
	client  *httputil.ServiceClient
	intake  *Service
	audit   *audit.Service
	log     *logging.Logger
	timeout time.Duration

	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewScanner constructs a scanner. A nil client disables scanning.
func NewScanner(client *httputil.ServiceClient, intake *Service, auditor *audit.Service, log *logging.Logger) *Scanner {
	if log == nil {
		log = logging.NewDefault("ai-scanner")
	}
	return &Scanner{client: client, intake: intake, audit: auditor, log: log, timeout: 30 * time.Second}
}

// Name implements system.Service.
func (s *Scanner) Name() string { return "ai-scanner" }

// Descriptor implements system.Describer.
func (s *Scanner) Descriptor() system.Descriptor {
	return system.Descriptor{
		Name:         s.Name(),
		Domain:       "moderation",
		Capabilities: []string{"scan-moments", "scan-proofs"},
		Enabled:      s.client != nil,
	}
}

// Start implements system.Service.
func (s *Scanner) Start(context.Context) error { return nil }

// Stop waits for in-flight scans or until ctx is done.
func (s *Scanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until all scans dispatched so far have finished.
func (s *Scanner) Wait() { s.wg.Wait() }

// MomentHook scans each published moment.
func (s *Scanner) MomentHook(ctx context.Context, m moment.Moment) {
	s.dispatch(ctx, ScanRequest{EntityType: EntityMoment, EntityID: m.ID, MomentID: m.ID, Title: m.Title})
}

// ProofHook scans each submitted proof.
func (s *Scanner) ProofHook(ctx context.Context, p proof.Proof) {
	s.dispatch(ctx, ScanRequest{EntityType: EntityProof, EntityID: p.ID, MomentID: p.MomentID, MediaRefs: p.MediaRefs, Note: p.Note})
}

func (s *Scanner) dispatch(ctx context.Context, req ScanRequest) {
	if s.client == nil {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	// Detach from the request so the scan outlives it, keeping the trace.
	scanCtx := context.Background()
	if traceID := logging.GetTraceID(ctx); traceID != "" {
		scanCtx = logging.WithTraceID(scanCtx, traceID)
	}

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(scanCtx, s.timeout)
		defer cancel()
		if err := s.Scan(ctx, req); err != nil {
			s.softFailure(ctx, req, err)
		}
	}()
}

// Scan runs one synchronous scan and ingests the verdict.
func (s *Scanner) Scan(ctx context.Context, req ScanRequest) error {
	var raw []byte
	if err := s.client.Post(ctx, "/scan", req, &raw); err != nil {
		return err
	}
	sig, err := ParseSignal(raw)
	if err != nil {
		return err
	}
	// The scanner answers for what was asked, whatever it echoes back.
	sig.EntityType = req.EntityType
	sig.EntityID = req.EntityID
	_, err = s.intake.Ingest(ctx, account.System(), sig)
	return err
}

func (s *Scanner) softFailure(ctx context.Context, req ScanRequest, err error) {
	metrics.RecordProviderFailure(providerAIScan)
	s.log.WithContext(ctx).
		WithError(err).
		WithField("entity_type", req.EntityType).
		WithField("entity_id", req.EntityID).
		Warn("ai scan failed")
	if s.audit == nil {
		return
	}
	s.audit.RecordNow(ctx, audit.Entry{
		Actor:      account.System(),
		Action:     domainaudit.ActionProviderFailure,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Metadata:   map[string]any{"provider": providerAIScan, "error": err.Error()},
	})
}
