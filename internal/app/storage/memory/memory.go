package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	"github.com/lovendo/momentcore/internal/app/domain/audit"
	"github.com/lovendo/momentcore/internal/app/domain/chat"
	"github.com/lovendo/momentcore/internal/app/domain/claim"
	"github.com/lovendo/momentcore/internal/app/domain/coin"
	"github.com/lovendo/momentcore/internal/app/domain/decision"
	"github.com/lovendo/momentcore/internal/app/domain/escrow"
	"github.com/lovendo/momentcore/internal/app/domain/gift"
	"github.com/lovendo/momentcore/internal/app/domain/ledger"
	"github.com/lovendo/momentcore/internal/app/domain/moment"
	"github.com/lovendo/momentcore/internal/app/domain/proof"
	"github.com/lovendo/momentcore/internal/app/storage"
	apperrors "github.com/lovendo/momentcore/internal/errors"
)

var errReadOnly = errors.New("memory store: write inside read-only view")

// Store is an in-memory implementation of storage.Store. Transactions are
// serialized and work on a copy of the state that replaces the live state on
// commit. It is intended for tests and local development.
type Store struct {
	mu sync.RWMutex
	st *state
}

var _ storage.Store = (*Store)(nil)
var _ storage.Tx = (*tx)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{st: newState()}
}

// WithinTx implements storage.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// View implements storage.Store.
func (s *Store) View(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{st: s.st, readOnly: true})
}

// Close implements storage.Store.
func (s *Store) Close() error { return nil }

type state struct {
	accounts     map[string]account.Account
	restrictions map[string][]account.Restriction
	entries      []ledger.Entry
	moments      map[string]moment.Moment
	contributors map[string]map[string]struct{}
	claims       map[string]claim.Claim
	activeClaims map[string]string
	proofs       map[string]proof.Proof
	gifts        map[string]gift.Gift
	escrows      map[string]escrow.Transaction
	unlocks      map[string]chat.UnlockRequest
	messages     []chat.Message
	audit        []audit.Record
	decisions    []decision.Decision
}

func newState() *state {
	return &state{
		accounts:     make(map[string]account.Account),
		restrictions: make(map[string][]account.Restriction),
		moments:      make(map[string]moment.Moment),
		contributors: make(map[string]map[string]struct{}),
		claims:       make(map[string]claim.Claim),
		activeClaims: make(map[string]string),
		proofs:       make(map[string]proof.Proof),
		gifts:        make(map[string]gift.Gift),
		escrows:      make(map[string]escrow.Transaction),
		unlocks:      make(map[string]chat.UnlockRequest),
	}
}

func (s *state) clone() *state {
	cp := &state{
		accounts:     cloneMap(s.accounts),
		restrictions: make(map[string][]account.Restriction, len(s.restrictions)),
		moments:      cloneMap(s.moments),
		contributors: make(map[string]map[string]struct{}, len(s.contributors)),
		claims:       cloneMap(s.claims),
		activeClaims: cloneMap(s.activeClaims),
		proofs:       cloneMap(s.proofs),
		gifts:        cloneMap(s.gifts),
		escrows:      cloneMap(s.escrows),
		unlocks:      cloneMap(s.unlocks),
		// Append-only logs: capping capacity makes appends copy.
		entries:   s.entries[:len(s.entries):len(s.entries)],
		messages:  s.messages[:len(s.messages):len(s.messages)],
		audit:     s.audit[:len(s.audit):len(s.audit)],
		decisions: s.decisions[:len(s.decisions):len(s.decisions)],
	}
	for k, v := range s.restrictions {
		cp.restrictions[k] = v[:len(v):len(v)]
	}
	for k, set := range s.contributors {
		cp.contributors[k] = cloneMap(set)
	}
	return cp
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

type tx struct {
	st       *state
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func stamp(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at.UTC()
}

func newID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// AccountStore implementation -------------------------------------------------

func (t *tx) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	if err := t.writable(); err != nil {
		return account.Account{}, err
	}
	acct.ID = newID(acct.ID)
	if _, exists := t.st.accounts[acct.ID]; exists {
		return account.Account{}, apperrors.InvalidInput("account", "already exists")
	}
	acct.CreatedAt = stamp(acct.CreatedAt)
	acct.UpdatedAt = acct.CreatedAt
	acct.Roles = append([]account.Role(nil), acct.Roles...)
	t.st.accounts[acct.ID] = acct
	return acct, nil
}

func (t *tx) GetAccount(_ context.Context, id string) (account.Account, error) {
	acct, ok := t.st.accounts[id]
	if !ok {
		return account.Account{}, apperrors.NotFound("account", id)
	}
	acct.Roles = append([]account.Role(nil), acct.Roles...)
	return acct, nil
}

func (t *tx) AdjustBalance(_ context.Context, id string, available, pending coin.Amount, at time.Time) (account.Account, error) {
	if err := t.writable(); err != nil {
		return account.Account{}, err
	}
	acct, ok := t.st.accounts[id]
	if !ok {
		return account.Account{}, apperrors.NotFound("account", id)
	}
	if acct.Available+available < 0 || acct.Pending+pending < 0 {
		return account.Account{}, apperrors.InsufficientBalance(id)
	}
	acct.Available += available
	acct.Pending += pending
	acct.UpdatedAt = stamp(at)
	t.st.accounts[id] = acct
	return acct, nil
}

func (t *tx) SetAccountDisabled(_ context.Context, id string, disabled bool, at time.Time) (account.Account, error) {
	if err := t.writable(); err != nil {
		return account.Account{}, err
	}
	acct, ok := t.st.accounts[id]
	if !ok {
		return account.Account{}, apperrors.NotFound("account", id)
	}
	acct.Disabled = disabled
	acct.UpdatedAt = stamp(at)
	t.st.accounts[id] = acct
	return acct, nil
}

func (t *tx) AddRestriction(_ context.Context, r account.Restriction) (account.Restriction, error) {
	if err := t.writable(); err != nil {
		return account.Restriction{}, err
	}
	if _, ok := t.st.accounts[r.AccountID]; !ok {
		return account.Restriction{}, apperrors.NotFound("account", r.AccountID)
	}
	r.ID = newID(r.ID)
	r.CreatedAt = stamp(r.CreatedAt)
	t.st.restrictions[r.AccountID] = append(t.st.restrictions[r.AccountID], r)
	return r, nil
}

func (t *tx) ListRestrictions(_ context.Context, accountID string) ([]account.Restriction, error) {
	return append([]account.Restriction(nil), t.st.restrictions[accountID]...), nil
}

// LedgerStore implementation --------------------------------------------------

func (t *tx) AppendEntry(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	if err := t.writable(); err != nil {
		return ledger.Entry{}, err
	}
	e.ID = newID(e.ID)
	e.CreatedAt = stamp(e.CreatedAt)
	t.st.entries = append(t.st.entries, e)
	return e, nil
}

func (t *tx) ListEntries(_ context.Context, accountID string, limit int) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for i := len(t.st.entries) - 1; i >= 0; i-- {
		if e := t.st.entries[i]; e.AccountID == accountID {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// MomentStore implementation --------------------------------------------------

func (t *tx) CreateMoment(_ context.Context, m moment.Moment) (moment.Moment, error) {
	if err := t.writable(); err != nil {
		return moment.Moment{}, err
	}
	m.ID = newID(m.ID)
	if _, exists := t.st.moments[m.ID]; exists {
		return moment.Moment{}, apperrors.InvalidInput("moment", "already exists")
	}
	m.CreatedAt = stamp(m.CreatedAt)
	m.UpdatedAt = m.CreatedAt
	m.MaxContributors = cloneCap(m.MaxContributors)
	t.st.moments[m.ID] = m
	return m, nil
}

func (t *tx) GetMoment(_ context.Context, id string) (moment.Moment, error) {
	m, ok := t.st.moments[id]
	if !ok {
		return moment.Moment{}, apperrors.NotFound("moment", id)
	}
	m.MaxContributors = cloneCap(m.MaxContributors)
	return m, nil
}

func (t *tx) UpdateMomentStatus(_ context.Context, m moment.Moment, expected moment.Status) (moment.Moment, error) {
	if err := t.writable(); err != nil {
		return moment.Moment{}, err
	}
	current, ok := t.st.moments[m.ID]
	if !ok {
		return moment.Moment{}, apperrors.NotFound("moment", m.ID)
	}
	if current.Status != expected {
		return moment.Moment{}, apperrors.ErrStaleState.WithDetails("moment", m.ID)
	}
	current.Status = m.Status
	current.SuspendedFrom = m.SuspendedFrom
	current.Version++
	current.UpdatedAt = stamp(m.UpdatedAt)
	t.st.moments[m.ID] = current
	return current, nil
}

func (t *tx) RecordSuspicion(_ context.Context, id string, score float64, reason string, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	m, ok := t.st.moments[id]
	if !ok {
		return apperrors.NotFound("moment", id)
	}
	m.SuspicionScore = score
	m.SuspicionReason = reason
	m.UpdatedAt = stamp(at)
	t.st.moments[id] = m
	return nil
}

func (t *tx) AddContributor(_ context.Context, momentID, giverID string) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	m, ok := t.st.moments[momentID]
	if !ok {
		return false, apperrors.NotFound("moment", momentID)
	}
	set := t.st.contributors[momentID]
	if _, member := set[giverID]; member {
		return false, nil
	}
	if m.CapReached() {
		return false, apperrors.ErrContributorCapExceeded.WithDetails("moment_id", momentID)
	}
	if set == nil {
		set = make(map[string]struct{})
		t.st.contributors[momentID] = set
	}
	set[giverID] = struct{}{}
	m.ContributorCount++
	t.st.moments[momentID] = m
	return true, nil
}

func (t *tx) RemoveContributor(_ context.Context, momentID, giverID string) error {
	if err := t.writable(); err != nil {
		return err
	}
	set := t.st.contributors[momentID]
	if _, member := set[giverID]; !member {
		return nil
	}
	delete(set, giverID)
	if m, ok := t.st.moments[momentID]; ok && m.ContributorCount > 0 {
		m.ContributorCount--
		t.st.moments[momentID] = m
	}
	return nil
}

func (t *tx) IsContributor(_ context.Context, momentID, giverID string) (bool, error) {
	_, member := t.st.contributors[momentID][giverID]
	return member, nil
}

// ClaimStore implementation ---------------------------------------------------

func (t *tx) CreateClaim(_ context.Context, c claim.Claim) (claim.Claim, error) {
	if err := t.writable(); err != nil {
		return claim.Claim{}, err
	}
	c.ID = newID(c.ID)
	if c.Status == claim.StatusActive {
		if _, taken := t.st.activeClaims[c.MomentID]; taken {
			return claim.Claim{}, apperrors.ErrClaimConflict.WithDetails("moment_id", c.MomentID)
		}
		t.st.activeClaims[c.MomentID] = c.ID
	}
	c.ClaimedAt = stamp(c.ClaimedAt)
	t.st.claims[c.ID] = c
	return c, nil
}

func (t *tx) GetClaim(_ context.Context, id string) (claim.Claim, error) {
	c, ok := t.st.claims[id]
	if !ok {
		return claim.Claim{}, apperrors.NotFound("claim", id)
	}
	return c, nil
}

func (t *tx) GetActiveClaim(_ context.Context, momentID string) (claim.Claim, error) {
	id, ok := t.st.activeClaims[momentID]
	if !ok {
		return claim.Claim{}, apperrors.NotFound("active claim", momentID)
	}
	return t.st.claims[id], nil
}

func (t *tx) UpdateClaim(_ context.Context, c claim.Claim, expected claim.Status) (claim.Claim, error) {
	if err := t.writable(); err != nil {
		return claim.Claim{}, err
	}
	current, ok := t.st.claims[c.ID]
	if !ok {
		return claim.Claim{}, apperrors.NotFound("claim", c.ID)
	}
	if current.Status != expected {
		return claim.Claim{}, apperrors.ErrStaleState.WithDetails("claim", c.ID)
	}
	c.MomentID = current.MomentID
	c.ClaimantID = current.ClaimantID
	c.ClaimedAt = current.ClaimedAt
	if c.Status != claim.StatusActive && t.st.activeClaims[c.MomentID] == c.ID {
		delete(t.st.activeClaims, c.MomentID)
	}
	t.st.claims[c.ID] = c
	return c, nil
}

func (t *tx) ListActiveClaims(_ context.Context) ([]claim.Claim, error) {
	out := make([]claim.Claim, 0, len(t.st.activeClaims))
	for _, id := range t.st.activeClaims {
		out = append(out, t.st.claims[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(out[j].ClaimedAt) })
	return out, nil
}

// ProofStore implementation ---------------------------------------------------

func (t *tx) CreateProof(_ context.Context, p proof.Proof) (proof.Proof, error) {
	if err := t.writable(); err != nil {
		return proof.Proof{}, err
	}
	p.ID = newID(p.ID)
	p.SubmittedAt = stamp(p.SubmittedAt)
	p.MediaRefs = append([]string(nil), p.MediaRefs...)
	t.st.proofs[p.ID] = p
	return p, nil
}

func (t *tx) GetProof(_ context.Context, id string) (proof.Proof, error) {
	p, ok := t.st.proofs[id]
	if !ok {
		return proof.Proof{}, apperrors.NotFound("proof", id)
	}
	p.MediaRefs = append([]string(nil), p.MediaRefs...)
	return p, nil
}

func (t *tx) UpdateProof(_ context.Context, p proof.Proof, expected proof.Status) (proof.Proof, error) {
	if err := t.writable(); err != nil {
		return proof.Proof{}, err
	}
	current, ok := t.st.proofs[p.ID]
	if !ok {
		return proof.Proof{}, apperrors.NotFound("proof", p.ID)
	}
	if current.Status != expected {
		return proof.Proof{}, apperrors.ErrStaleState.WithDetails("proof", p.ID)
	}
	current.Status = p.Status
	current.AIScore = p.AIScore
	current.AIReason = p.AIReason
	current.DecidedAt = p.DecidedAt
	t.st.proofs[p.ID] = current
	return current, nil
}

func (t *tx) ListProofsByClaim(_ context.Context, claimID string) ([]proof.Proof, error) {
	var out []proof.Proof
	for _, p := range t.st.proofs {
		if p.ClaimID == claimID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (t *tx) ListOpenProofs(_ context.Context) ([]proof.Proof, error) {
	var out []proof.Proof
	for _, p := range t.st.proofs {
		if p.Open() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

// GiftStore implementation ----------------------------------------------------

func (t *tx) CreateGift(_ context.Context, g gift.Gift) (gift.Gift, error) {
	if err := t.writable(); err != nil {
		return gift.Gift{}, err
	}
	g.ID = newID(g.ID)
	g.CreatedAt = stamp(g.CreatedAt)
	g.UpdatedAt = g.CreatedAt
	t.st.gifts[g.ID] = g
	return g, nil
}

func (t *tx) GetGift(_ context.Context, id string) (gift.Gift, error) {
	g, ok := t.st.gifts[id]
	if !ok {
		return gift.Gift{}, apperrors.NotFound("gift", id)
	}
	return g, nil
}

func (t *tx) UpdateGiftStatus(_ context.Context, id string, status gift.Status, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	g, ok := t.st.gifts[id]
	if !ok {
		return apperrors.NotFound("gift", id)
	}
	g.Status = status
	g.UpdatedAt = stamp(at)
	t.st.gifts[id] = g
	return nil
}

func (t *tx) CreateEscrow(_ context.Context, e escrow.Transaction) (escrow.Transaction, error) {
	if err := t.writable(); err != nil {
		return escrow.Transaction{}, err
	}
	e.ID = newID(e.ID)
	e.CreatedAt = stamp(e.CreatedAt)
	t.st.escrows[e.ID] = e
	return e, nil
}

func (t *tx) GetEscrow(_ context.Context, id string) (escrow.Transaction, error) {
	e, ok := t.st.escrows[id]
	if !ok {
		return escrow.Transaction{}, apperrors.NotFound("escrow", id)
	}
	return e, nil
}

func (t *tx) ResolveEscrow(_ context.Context, id string, status escrow.Status, commission coin.Amount, by string, at time.Time) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	e, ok := t.st.escrows[id]
	if !ok {
		return false, apperrors.NotFound("escrow", id)
	}
	if e.Status != escrow.StatusPending {
		return false, nil
	}
	resolved := stamp(at)
	e.Status = status
	e.Commission = commission
	e.ResolvedBy = by
	e.ResolvedAt = &resolved
	t.st.escrows[id] = e
	return true, nil
}

func (t *tx) ListPendingEscrows(_ context.Context, momentID string) ([]escrow.Transaction, error) {
	var out []escrow.Transaction
	for _, e := range t.st.escrows {
		if e.Status == escrow.StatusPending && (momentID == "" || e.MomentID == momentID) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *tx) CountHeldEscrows(_ context.Context, momentID, senderID string) (int, error) {
	n := 0
	for _, e := range t.st.escrows {
		held := e.Status == escrow.StatusPending || e.Status == escrow.StatusReleased
		if held && e.MomentID == momentID && e.SenderID == senderID {
			n++
		}
	}
	return n, nil
}

// ChatStore implementation ----------------------------------------------------

func (t *tx) CreateUnlock(_ context.Context, r chat.UnlockRequest) (chat.UnlockRequest, error) {
	if err := t.writable(); err != nil {
		return chat.UnlockRequest{}, err
	}
	for _, e := range t.st.unlocks {
		if e.MomentID == r.MomentID && e.RequesterID == r.RequesterID && e.Status != chat.UnlockDeclined {
			return chat.UnlockRequest{}, apperrors.ErrStaleState.WithDetails("moment_id", r.MomentID)
		}
	}
	r.ID = newID(r.ID)
	r.CreatedAt = stamp(r.CreatedAt)
	t.st.unlocks[r.ID] = r
	return r, nil
}

func (t *tx) GetUnlock(_ context.Context, id string) (chat.UnlockRequest, error) {
	r, ok := t.st.unlocks[id]
	if !ok {
		return chat.UnlockRequest{}, apperrors.NotFound("chat unlock", id)
	}
	return r, nil
}

func (t *tx) UpdateUnlock(_ context.Context, r chat.UnlockRequest, expected chat.UnlockStatus) (chat.UnlockRequest, error) {
	if err := t.writable(); err != nil {
		return chat.UnlockRequest{}, err
	}
	current, ok := t.st.unlocks[r.ID]
	if !ok {
		return chat.UnlockRequest{}, apperrors.NotFound("chat unlock", r.ID)
	}
	if current.Status != expected {
		return chat.UnlockRequest{}, apperrors.ErrStaleState.WithDetails("chat_unlock", r.ID)
	}
	current.Status = r.Status
	current.DecidedAt = r.DecidedAt
	t.st.unlocks[r.ID] = current
	return current, nil
}

func (t *tx) ListUnlocks(_ context.Context, momentID string) ([]chat.UnlockRequest, error) {
	var out []chat.UnlockRequest
	for _, r := range t.st.unlocks {
		if r.MomentID == momentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *tx) CreateMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	if err := t.writable(); err != nil {
		return chat.Message{}, err
	}
	msg.ID = newID(msg.ID)
	msg.CreatedAt = stamp(msg.CreatedAt)
	t.st.messages = append(t.st.messages, msg)
	return msg, nil
}

func (t *tx) ListMessages(_ context.Context, momentID string, limit int) ([]chat.Message, error) {
	var out []chat.Message
	for _, msg := range t.st.messages {
		if msg.MomentID == momentID {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// AuditStore implementation ---------------------------------------------------

func (t *tx) AppendAudit(_ context.Context, r audit.Record) (audit.Record, error) {
	if err := t.writable(); err != nil {
		return audit.Record{}, err
	}
	r.ID = newID(r.ID)
	r.Timestamp = stamp(r.Timestamp)
	r.Metadata = cloneMap(r.Metadata)
	t.st.audit = append(t.st.audit, r)
	return r, nil
}

func (t *tx) ListAudit(_ context.Context, f audit.Filter) ([]audit.Record, error) {
	var out []audit.Record
	for i := len(t.st.audit) - 1; i >= 0; i-- {
		if r := t.st.audit[i]; f.Match(r) {
			out = append(out, r)
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
	}
	return out, nil
}

// DecisionStore implementation ------------------------------------------------

func (t *tx) AppendDecision(_ context.Context, d decision.Decision) (decision.Decision, error) {
	if err := t.writable(); err != nil {
		return decision.Decision{}, err
	}
	d.ID = newID(d.ID)
	d.CreatedAt = stamp(d.CreatedAt)
	t.st.decisions = append(t.st.decisions, d)
	return d, nil
}

func (t *tx) ListDecisions(_ context.Context, entityType, entityID string) ([]decision.Decision, error) {
	var out []decision.Decision
	for _, d := range t.st.decisions {
		if d.EntityType == entityType && d.EntityID == entityID {
			out = append(out, d)
		}
	}
	return out, nil
}

func cloneCap(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
