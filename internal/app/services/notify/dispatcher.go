// Package notify delivers user notifications to the push gateway. Delivery is
// best effort: the queue drops on overflow and failures are recorded, never
// returned to the operation that triggered them.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	domainaudit "github.com/lovendo/momentcore/internal/app/domain/audit"
	"github.com/lovendo/momentcore/internal/app/metrics"
	"github.com/lovendo/momentcore/internal/app/services/audit"
	"github.com/lovendo/momentcore/internal/app/system"
	"github.com/lovendo/momentcore/internal/httputil"
	"github.com/lovendo/momentcore/internal/logging"
)

const providerPush = "push"

// Kind names a notification template.
type Kind string

const (
	KindClaimCreated        Kind = "claim_created"
	KindProofSubmitted      Kind = "proof_submitted"
	KindProofDecided        Kind = "proof_decided"
	KindGiftReceived        Kind = "gift_received"
	KindEscrowResolved      Kind = "escrow_resolved"
	KindChatUnlockRequested Kind = "chat_unlock_requested"
	KindChatUnlockDecided   Kind = "chat_unlock_decided"
	KindChatMessage         Kind = "chat_message"
)

// Notification is one message for one user.
type Notification struct {
	UserID    string         `json:"user_id"`
	Kind      Kind           `json:"kind"`
	EntityID  string         `json:"entity_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	traceID string
}

// Options tunes the dispatcher.
type Options struct {
	Workers   int
	QueueSize int
	// Timeout bounds one delivery including retries.
	Timeout time.Duration
}

// Dispatcher fans notifications out to a pool of delivery workers.
type Dispatcher struct {
	client *httputil.ServiceClient
	audit  *audit.Service
	log    *logging.Logger
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	queue   chan Notification
	running bool
	wg      sync.WaitGroup
}

// New constructs a dispatcher. With a nil client notifications are only
// logged.
func New(client *httputil.ServiceClient, auditor *audit.Service, opts Options, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.NewDefault("notify")
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Dispatcher{
		client: client,
		audit:  auditor,
		log:    log,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Name implements system.Service.
func (d *Dispatcher) Name() string { return "notify" }

// Descriptor implements system.Describer.
func (d *Dispatcher) Descriptor() system.Descriptor {
	return system.Descriptor{
		Name:         d.Name(),
		Domain:       "notifications",
		Capabilities: []string{"deliver"},
		Enabled:      d.client != nil,
	}
}

// Start launches the workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	d.queue = make(chan Notification, d.opts.QueueSize)
	d.running = true
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(d.queue)
	}
	d.log.WithField("workers", d.opts.Workers).Info("notification dispatcher started")
	return nil
}

// Stop closes the queue and waits for queued notifications to drain.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify queues n. It reports false when the dispatcher is stopped or the
// queue is full.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) bool {
	if n.UserID == "" || n.UserID == account.SystemActorID {
		return false
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now()
	}
	n.traceID = logging.GetTraceID(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return false
	}
	select {
	case d.queue <- n:
		return true
	default:
		d.log.WithContext(ctx).
			WithField("kind", n.Kind).
			WithField("user_id", n.UserID).
			Warn("notification queue full, dropping")
		return false
	}
}

func (d *Dispatcher) worker(queue <-chan Notification) {
	defer d.wg.Done()
	for n := range queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	ctx := context.Background()
	if n.traceID != "" {
		ctx = logging.WithTraceID(ctx, n.traceID)
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	if d.client == nil {
		d.log.WithContext(ctx).
			WithField("kind", n.Kind).
			WithField("user_id", n.UserID).
			Debug("notification (no gateway configured)")
		return
	}
	if err := d.client.Post(ctx, "/notifications", n, nil); err != nil {
		metrics.RecordProviderFailure(providerPush)
		d.log.WithContext(ctx).
			WithError(err).
			WithField("kind", n.Kind).
			WithField("user_id", n.UserID).
			Warn("notification delivery failed")
		if d.audit != nil {
			d.audit.RecordNow(ctx, audit.Entry{
				Actor:      account.System(),
				Action:     domainaudit.ActionProviderFailure,
				EntityType: "notification",
				EntityID:   n.UserID,
				Metadata:   map[string]any{"provider": providerPush, "kind": string(n.Kind), "error": err.Error()},
			})
		}
	}
}
