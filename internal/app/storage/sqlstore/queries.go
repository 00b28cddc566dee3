package sqlstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

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
	"github.com/lovendo/momentcore/internal/app/domain/tier"
	"github.com/lovendo/momentcore/internal/app/storage"
	apperrors "github.com/lovendo/momentcore/internal/errors"
)

// queries implements storage.Tx over one sqlx transaction.
type queries struct {
	ext sqlx.ExtContext
}

var _ storage.Tx = (*queries)(nil)

func (q *queries) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q *queries) sel(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func newID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// --- AccountStore -----------------------------------------------------------

type accountRow struct {
	ID        string `db:"id"`
	Roles     string `db:"roles"`
	PlanID    string `db:"plan_id"`
	Available int64  `db:"available"`
	Pending   int64  `db:"pending"`
	Disabled  bool   `db:"disabled"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r accountRow) domain() account.Account {
	return account.Account{
		ID:        r.ID,
		Roles:     account.SplitRoles(r.Roles),
		PlanID:    r.PlanID,
		Available: coin.Amount(r.Available),
		Pending:   coin.Amount(r.Pending),
		Disabled:  r.Disabled,
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
}

const accountColumns = `id, roles, plan_id, available, pending, disabled, created_at, updated_at`

func (q *queries) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	acct.ID = newID(acct.ID)
	acct.CreatedAt = stamp(acct.CreatedAt)
	acct.UpdatedAt = acct.CreatedAt
	_, err := q.exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, acct.ID, account.JoinRoles(acct.Roles), acct.PlanID, int64(acct.Available), int64(acct.Pending),
		acct.Disabled, toMillis(acct.CreatedAt), toMillis(acct.UpdatedAt))
	if isUniqueViolation(err) {
		return account.Account{}, apperrors.InvalidInput("account", "already exists")
	}
	if err != nil {
		return account.Account{}, err
	}
	return acct, nil
}

func (q *queries) GetAccount(ctx context.Context, id string) (account.Account, error) {
	var row accountRow
	err := q.get(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	if isNoRows(err) {
		return account.Account{}, apperrors.NotFound("account", id)
	}
	if err != nil {
		return account.Account{}, err
	}
	return row.domain(), nil
}

func (q *queries) AdjustBalance(ctx context.Context, id string, available, pending coin.Amount, at time.Time) (account.Account, error) {
	var row accountRow
	err := q.get(ctx, &row, `
		UPDATE accounts
		SET available = available + ?, pending = pending + ?, updated_at = ?
		WHERE id = ? AND available + ? >= 0 AND pending + ? >= 0
		RETURNING `+accountColumns,
		int64(available), int64(pending), toMillis(stamp(at)), id, int64(available), int64(pending))
	if isNoRows(err) {
		if _, getErr := q.GetAccount(ctx, id); getErr != nil {
			return account.Account{}, getErr
		}
		return account.Account{}, apperrors.InsufficientBalance(id)
	}
	if err != nil {
		return account.Account{}, err
	}
	return row.domain(), nil
}

func (q *queries) SetAccountDisabled(ctx context.Context, id string, disabled bool, at time.Time) (account.Account, error) {
	var row accountRow
	err := q.get(ctx, &row, `
		UPDATE accounts SET disabled = ?, updated_at = ?
		WHERE id = ?
		RETURNING `+accountColumns,
		disabled, toMillis(stamp(at)), id)
	if isNoRows(err) {
		return account.Account{}, apperrors.NotFound("account", id)
	}
	if err != nil {
		return account.Account{}, err
	}
	return row.domain(), nil
}

type restrictionRow struct {
	ID        string `db:"id"`
	AccountID string `db:"account_id"`
	Type      string `db:"type"`
	Reason    string `db:"reason"`
	CreatedBy string `db:"created_by"`
	CreatedAt int64  `db:"created_at"`
	ExpiresAt *int64 `db:"expires_at"`
}

func (q *queries) AddRestriction(ctx context.Context, r account.Restriction) (account.Restriction, error) {
	if _, err := q.GetAccount(ctx, r.AccountID); err != nil {
		return account.Restriction{}, err
	}
	r.ID = newID(r.ID)
	r.CreatedAt = stamp(r.CreatedAt)
	var expires *int64
	if !r.ExpiresAt.IsZero() {
		v := toMillis(r.ExpiresAt)
		expires = &v
	}
	_, err := q.exec(ctx, `
		INSERT INTO account_restrictions (id, account_id, type, reason, created_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.AccountID, string(r.Type), r.Reason, r.CreatedBy, toMillis(r.CreatedAt), expires)
	if err != nil {
		return account.Restriction{}, err
	}
	return r, nil
}

func (q *queries) ListRestrictions(ctx context.Context, accountID string) ([]account.Restriction, error) {
	var rows []restrictionRow
	if err := q.sel(ctx, &rows, `
		SELECT id, account_id, type, reason, created_by, created_at, expires_at
		FROM account_restrictions
		WHERE account_id = ?
		ORDER BY created_at
	`, accountID); err != nil {
		return nil, err
	}
	out := make([]account.Restriction, 0, len(rows))
	for _, row := range rows {
		r := account.Restriction{
			ID:        row.ID,
			AccountID: row.AccountID,
			Type:      account.RestrictionType(row.Type),
			Reason:    row.Reason,
			CreatedBy: row.CreatedBy,
			CreatedAt: fromMillis(row.CreatedAt),
		}
		if row.ExpiresAt != nil {
			r.ExpiresAt = fromMillis(*row.ExpiresAt)
		}
		out = append(out, r)
	}
	return out, nil
}

// --- LedgerStore ------------------------------------------------------------

type entryRow struct {
	ID             string `db:"id"`
	AccountID      string `db:"account_id"`
	Type           string `db:"type"`
	AvailableDelta int64  `db:"available_delta"`
	PendingDelta   int64  `db:"pending_delta"`
	AvailableAfter int64  `db:"available_after"`
	PendingAfter   int64  `db:"pending_after"`
	ReferenceType  string `db:"reference_type"`
	ReferenceID    string `db:"reference_id"`
	CreatedAt      int64  `db:"created_at"`
}

func (q *queries) AppendEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	e.ID = newID(e.ID)
	e.CreatedAt = stamp(e.CreatedAt)
	_, err := q.exec(ctx, `
		INSERT INTO ledger_entries (id, account_id, type, available_delta, pending_delta,
			available_after, pending_after, reference_type, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AccountID, string(e.Type), int64(e.AvailableDelta), int64(e.PendingDelta),
		int64(e.AvailableAfter), int64(e.PendingAfter), e.ReferenceType, e.ReferenceID, toMillis(e.CreatedAt))
	if err != nil {
		return ledger.Entry{}, err
	}
	return e, nil
}

func (q *queries) ListEntries(ctx context.Context, accountID string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []entryRow
	if err := q.sel(ctx, &rows, `
		SELECT id, account_id, type, available_delta, pending_delta, available_after,
			pending_after, reference_type, reference_id, created_at
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, accountID, limit); err != nil {
		return nil, err
	}
	out := make([]ledger.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, ledger.Entry{
			ID:             r.ID,
			AccountID:      r.AccountID,
			Type:           ledger.EntryType(r.Type),
			AvailableDelta: coin.Amount(r.AvailableDelta),
			PendingDelta:   coin.Amount(r.PendingDelta),
			AvailableAfter: coin.Amount(r.AvailableAfter),
			PendingAfter:   coin.Amount(r.PendingAfter),
			ReferenceType:  r.ReferenceType,
			ReferenceID:    r.ReferenceID,
			CreatedAt:      fromMillis(r.CreatedAt),
		})
	}
	return out, nil
}

// --- MomentStore ------------------------------------------------------------

type momentRow struct {
	ID               string  `db:"id"`
	OwnerID          string  `db:"owner_id"`
	Title            string  `db:"title"`
	Price            int64   `db:"price"`
	PriceTier        string  `db:"price_tier"`
	Status           string  `db:"status"`
	SuspendedFrom    string  `db:"suspended_from"`
	MaxContributors  *int    `db:"max_contributors"`
	ContributorCount int     `db:"contributor_count"`
	SuspicionScore   float64 `db:"suspicion_score"`
	SuspicionReason  string  `db:"suspicion_reason"`
	Version          int64   `db:"version"`
	CreatedAt        int64   `db:"created_at"`
	UpdatedAt        int64   `db:"updated_at"`
}

func (r momentRow) domain() moment.Moment {
	return moment.Moment{
		ID:               r.ID,
		OwnerID:          r.OwnerID,
		Title:            r.Title,
		Price:            coin.Amount(r.Price),
		PriceTier:        tier.Tier(r.PriceTier),
		Status:           moment.Status(r.Status),
		SuspendedFrom:    moment.Status(r.SuspendedFrom),
		MaxContributors:  r.MaxContributors,
		ContributorCount: r.ContributorCount,
		SuspicionScore:   r.SuspicionScore,
		SuspicionReason:  r.SuspicionReason,
		Version:          r.Version,
		CreatedAt:        fromMillis(r.CreatedAt),
		UpdatedAt:        fromMillis(r.UpdatedAt),
	}
}

const momentColumns = `id, owner_id, title, price, price_tier, status, suspended_from, max_contributors,
	contributor_count, suspicion_score, suspicion_reason, version, created_at, updated_at`

func (q *queries) CreateMoment(ctx context.Context, m moment.Moment) (moment.Moment, error) {
	m.ID = newID(m.ID)
	m.CreatedAt = stamp(m.CreatedAt)
	m.UpdatedAt = m.CreatedAt
	_, err := q.exec(ctx, `
		INSERT INTO moments (`+momentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.OwnerID, m.Title, int64(m.Price), string(m.PriceTier), string(m.Status), string(m.SuspendedFrom),
		m.MaxContributors, m.ContributorCount, m.SuspicionScore, m.SuspicionReason, m.Version,
		toMillis(m.CreatedAt), toMillis(m.UpdatedAt))
	if isUniqueViolation(err) {
		return moment.Moment{}, apperrors.InvalidInput("moment", "already exists")
	}
	if err != nil {
		return moment.Moment{}, err
	}
	return m, nil
}

func (q *queries) GetMoment(ctx context.Context, id string) (moment.Moment, error) {
	var row momentRow
	err := q.get(ctx, &row, `SELECT `+momentColumns+` FROM moments WHERE id = ?`, id)
	if isNoRows(err) {
		return moment.Moment{}, apperrors.NotFound("moment", id)
	}
	if err != nil {
		return moment.Moment{}, err
	}
	return row.domain(), nil
}

func (q *queries) UpdateMomentStatus(ctx context.Context, m moment.Moment, expected moment.Status) (moment.Moment, error) {
	var row momentRow
	err := q.get(ctx, &row, `
		UPDATE moments
		SET status = ?, suspended_from = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+momentColumns,
		string(m.Status), string(m.SuspendedFrom), toMillis(stamp(m.UpdatedAt)), m.ID, string(expected))
	if isNoRows(err) {
		if _, getErr := q.GetMoment(ctx, m.ID); getErr != nil {
			return moment.Moment{}, getErr
		}
		return moment.Moment{}, apperrors.ErrStaleState.WithDetails("moment", m.ID)
	}
	if err != nil {
		return moment.Moment{}, err
	}
	return row.domain(), nil
}

func (q *queries) RecordSuspicion(ctx context.Context, id string, score float64, reason string, at time.Time) error {
	n, err := q.exec(ctx, `
		UPDATE moments SET suspicion_score = ?, suspicion_reason = ?, updated_at = ? WHERE id = ?
	`, score, reason, toMillis(stamp(at)), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("moment", id)
	}
	return nil
}

func (q *queries) AddContributor(ctx context.Context, momentID, giverID string) (bool, error) {
	inserted, err := q.exec(ctx, `
		INSERT INTO moment_contributors (moment_id, giver_id) VALUES (?, ?)
		ON CONFLICT (moment_id, giver_id) DO NOTHING
	`, momentID, giverID)
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return false, nil
	}
	n, err := q.exec(ctx, `
		UPDATE moments
		SET contributor_count = contributor_count + 1
		WHERE id = ? AND (max_contributors IS NULL OR contributor_count < max_contributors)
	`, momentID)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, apperrors.ErrContributorCapExceeded.WithDetails("moment_id", momentID)
	}
	return true, nil
}

func (q *queries) RemoveContributor(ctx context.Context, momentID, giverID string) error {
	n, err := q.exec(ctx, `DELETE FROM moment_contributors WHERE moment_id = ? AND giver_id = ?`, momentID, giverID)
	if err != nil || n == 0 {
		return err
	}
	_, err = q.exec(ctx, `
		UPDATE moments SET contributor_count = contributor_count - 1
		WHERE id = ? AND contributor_count > 0
	`, momentID)
	return err
}

func (q *queries) IsContributor(ctx context.Context, momentID, giverID string) (bool, error) {
	var n int
	if err := q.get(ctx, &n, `
		SELECT COUNT(*) FROM moment_contributors WHERE moment_id = ? AND giver_id = ?
	`, momentID, giverID); err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- ClaimStore -------------------------------------------------------------

type claimRow struct {
	ID            string `db:"id"`
	MomentID      string `db:"moment_id"`
	ClaimantID    string `db:"claimant_id"`
	Status        string `db:"status"`
	ClaimedAt     int64  `db:"claimed_at"`
	ExpiresAt     int64  `db:"expires_at"`
	ConsumedAt    *int64 `db:"consumed_at"`
	ProofDeadline *int64 `db:"proof_deadline"`
	ClosedAt      *int64 `db:"closed_at"`
}

func (r claimRow) domain() claim.Claim {
	return claim.Claim{
		ID:            r.ID,
		MomentID:      r.MomentID,
		ClaimantID:    r.ClaimantID,
		Status:        claim.Status(r.Status),
		ClaimedAt:     fromMillis(r.ClaimedAt),
		ExpiresAt:     fromMillis(r.ExpiresAt),
		ConsumedAt:    fromNullMillis(r.ConsumedAt),
		ProofDeadline: fromNullMillis(r.ProofDeadline),
		ClosedAt:      fromNullMillis(r.ClosedAt),
	}
}

const claimColumns = `id, moment_id, claimant_id, status, claimed_at, expires_at, consumed_at, proof_deadline, closed_at`

func (q *queries) CreateClaim(ctx context.Context, c claim.Claim) (claim.Claim, error) {
	c.ID = newID(c.ID)
	c.ClaimedAt = stamp(c.ClaimedAt)
	_, err := q.exec(ctx, `
		INSERT INTO claims (`+claimColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.MomentID, c.ClaimantID, string(c.Status), toMillis(c.ClaimedAt), toMillis(c.ExpiresAt),
		toNullMillis(c.ConsumedAt), toNullMillis(c.ProofDeadline), toNullMillis(c.ClosedAt))
	if isUniqueViolation(err) {
		return claim.Claim{}, apperrors.ErrClaimConflict.WithDetails("moment_id", c.MomentID)
	}
	if err != nil {
		return claim.Claim{}, err
	}
	return c, nil
}

func (q *queries) GetClaim(ctx context.Context, id string) (claim.Claim, error) {
	var row claimRow
	err := q.get(ctx, &row, `SELECT `+claimColumns+` FROM claims WHERE id = ?`, id)
	if isNoRows(err) {
		return claim.Claim{}, apperrors.NotFound("claim", id)
	}
	if err != nil {
		return claim.Claim{}, err
	}
	return row.domain(), nil
}

func (q *queries) GetActiveClaim(ctx context.Context, momentID string) (claim.Claim, error) {
	var row claimRow
	err := q.get(ctx, &row, `SELECT `+claimColumns+` FROM claims WHERE moment_id = ? AND status = ?`,
		momentID, string(claim.StatusActive))
	if isNoRows(err) {
		return claim.Claim{}, apperrors.NotFound("active claim", momentID)
	}
	if err != nil {
		return claim.Claim{}, err
	}
	return row.domain(), nil
}

func (q *queries) UpdateClaim(ctx context.Context, c claim.Claim, expected claim.Status) (claim.Claim, error) {
	var row claimRow
	err := q.get(ctx, &row, `
		UPDATE claims
		SET status = ?, expires_at = ?, consumed_at = ?, proof_deadline = ?, closed_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+claimColumns,
		string(c.Status), toMillis(c.ExpiresAt), toNullMillis(c.ConsumedAt), toNullMillis(c.ProofDeadline),
		toNullMillis(c.ClosedAt), c.ID, string(expected))
	if isNoRows(err) {
		if _, getErr := q.GetClaim(ctx, c.ID); getErr != nil {
			return claim.Claim{}, getErr
		}
		return claim.Claim{}, apperrors.ErrStaleState.WithDetails("claim", c.ID)
	}
	if err != nil {
		return claim.Claim{}, err
	}
	return row.domain(), nil
}

func (q *queries) ListActiveClaims(ctx context.Context) ([]claim.Claim, error) {
	var rows []claimRow
	if err := q.sel(ctx, &rows, `SELECT `+claimColumns+` FROM claims WHERE status = ? ORDER BY claimed_at`,
		string(claim.StatusActive)); err != nil {
		return nil, err
	}
	out := make([]claim.Claim, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}

// --- ProofStore -------------------------------------------------------------

type proofRow struct {
	ID             string  `db:"id"`
	ClaimID        string  `db:"claim_id"`
	MomentID       string  `db:"moment_id"`
	SubmitterID    string  `db:"submitter_id"`
	Attempt        int     `db:"attempt"`
	Status         string  `db:"status"`
	MediaRefs      string  `db:"media_refs"`
	Note           string  `db:"note"`
	AIScore        float64 `db:"ai_score"`
	AIReason       string  `db:"ai_reason"`
	SubmittedAt    int64   `db:"submitted_at"`
	ReviewDeadline int64   `db:"review_deadline"`
	DecidedAt      *int64  `db:"decided_at"`
}

func (r proofRow) domain() proof.Proof {
	p := proof.Proof{
		ID:             r.ID,
		ClaimID:        r.ClaimID,
		MomentID:       r.MomentID,
		SubmitterID:    r.SubmitterID,
		Attempt:        r.Attempt,
		Status:         proof.Status(r.Status),
		Note:           r.Note,
		AIScore:        r.AIScore,
		AIReason:       r.AIReason,
		SubmittedAt:    fromMillis(r.SubmittedAt),
		ReviewDeadline: fromMillis(r.ReviewDeadline),
		DecidedAt:      fromNullMillis(r.DecidedAt),
	}
	_ = json.Unmarshal([]byte(r.MediaRefs), &p.MediaRefs)
	return p
}

const proofColumns = `id, claim_id, moment_id, submitter_id, attempt, status, media_refs, note, ai_score,
	ai_reason, submitted_at, review_deadline, decided_at`

func (q *queries) CreateProof(ctx context.Context, p proof.Proof) (proof.Proof, error) {
	p.ID = newID(p.ID)
	p.SubmittedAt = stamp(p.SubmittedAt)
	if p.MediaRefs == nil {
		p.MediaRefs = []string{}
	}
	refs, err := json.Marshal(p.MediaRefs)
	if err != nil {
		return proof.Proof{}, err
	}
	_, err = q.exec(ctx, `
		INSERT INTO proofs (`+proofColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.ClaimID, p.MomentID, p.SubmitterID, p.Attempt, string(p.Status), string(refs), p.Note,
		p.AIScore, p.AIReason, toMillis(p.SubmittedAt), toMillis(p.ReviewDeadline), toNullMillis(p.DecidedAt))
	if isUniqueViolation(err) {
		return proof.Proof{}, apperrors.ErrStaleState.WithDetails("claim", p.ClaimID)
	}
	if err != nil {
		return proof.Proof{}, err
	}
	return p, nil
}

func (q *queries) GetProof(ctx context.Context, id string) (proof.Proof, error) {
	var row proofRow
	err := q.get(ctx, &row, `SELECT `+proofColumns+` FROM proofs WHERE id = ?`, id)
	if isNoRows(err) {
		return proof.Proof{}, apperrors.NotFound("proof", id)
	}
	if err != nil {
		return proof.Proof{}, err
	}
	return row.domain(), nil
}

func (q *queries) UpdateProof(ctx context.Context, p proof.Proof, expected proof.Status) (proof.Proof, error) {
	var row proofRow
	err := q.get(ctx, &row, `
		UPDATE proofs
		SET status = ?, ai_score = ?, ai_reason = ?, decided_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+proofColumns,
		string(p.Status), p.AIScore, p.AIReason, toNullMillis(p.DecidedAt), p.ID, string(expected))
	if isNoRows(err) {
		if _, getErr := q.GetProof(ctx, p.ID); getErr != nil {
			return proof.Proof{}, getErr
		}
		return proof.Proof{}, apperrors.ErrStaleState.WithDetails("proof", p.ID)
	}
	if err != nil {
		return proof.Proof{}, err
	}
	return row.domain(), nil
}

func (q *queries) ListProofsByClaim(ctx context.Context, claimID string) ([]proof.Proof, error) {
	var rows []proofRow
	if err := q.sel(ctx, &rows, `SELECT `+proofColumns+` FROM proofs WHERE claim_id = ? ORDER BY attempt`,
		claimID); err != nil {
		return nil, err
	}
	out := make([]proof.Proof, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}

func (q *queries) ListOpenProofs(ctx context.Context) ([]proof.Proof, error) {
	var rows []proofRow
	if err := q.sel(ctx, &rows, `SELECT `+proofColumns+` FROM proofs WHERE status IN (?, ?) ORDER BY submitted_at`,
		string(proof.StatusSubmitted), string(proof.StatusFlaggedByAI)); err != nil {
		return nil, err
	}
	out := make([]proof.Proof, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}

// --- GiftStore --------------------------------------------------------------

type giftRow struct {
	ID         string `db:"id"`
	GiverID    string `db:"giver_id"`
	ReceiverID string `db:"receiver_id"`
	MomentID   string `db:"moment_id"`
	Amount     int64  `db:"amount"`
	Tier       string `db:"tier"`
	Status     string `db:"status"`
	EscrowID   string `db:"escrow_id"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

const giftColumns = `id, giver_id, receiver_id, moment_id, amount, tier, status, escrow_id, created_at, updated_at`

func (q *queries) CreateGift(ctx context.Context, g gift.Gift) (gift.Gift, error) {
	g.ID = newID(g.ID)
	g.CreatedAt = stamp(g.CreatedAt)
	g.UpdatedAt = g.CreatedAt
	_, err := q.exec(ctx, `
		INSERT INTO gifts (`+giftColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, g.ID, g.GiverID, g.ReceiverID, g.MomentID, int64(g.Amount), string(g.Tier), string(g.Status), g.EscrowID,
		toMillis(g.CreatedAt), toMillis(g.UpdatedAt))
	if err != nil {
		return gift.Gift{}, err
	}
	return g, nil
}

func (q *queries) GetGift(ctx context.Context, id string) (gift.Gift, error) {
	var r giftRow
	err := q.get(ctx, &r, `SELECT `+giftColumns+` FROM gifts WHERE id = ?`, id)
	if isNoRows(err) {
		return gift.Gift{}, apperrors.NotFound("gift", id)
	}
	if err != nil {
		return gift.Gift{}, err
	}
	return gift.Gift{
		ID:         r.ID,
		GiverID:    r.GiverID,
		ReceiverID: r.ReceiverID,
		MomentID:   r.MomentID,
		Amount:     coin.Amount(r.Amount),
		Tier:       tier.Tier(r.Tier),
		Status:     gift.Status(r.Status),
		EscrowID:   r.EscrowID,
		CreatedAt:  fromMillis(r.CreatedAt),
		UpdatedAt:  fromMillis(r.UpdatedAt),
	}, nil
}

func (q *queries) UpdateGiftStatus(ctx context.Context, id string, status gift.Status, at time.Time) error {
	n, err := q.exec(ctx, `UPDATE gifts SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(stamp(at)), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("gift", id)
	}
	return nil
}

type escrowRow struct {
	ID               string `db:"id"`
	GiftID           string `db:"gift_id"`
	SenderID         string `db:"sender_id"`
	RecipientID      string `db:"recipient_id"`
	MomentID         string `db:"moment_id"`
	Amount           int64  `db:"amount"`
	Status           string `db:"status"`
	ExpiresAt        int64  `db:"expires_at"`
	ReleaseCondition string `db:"release_condition"`
	Commission       int64  `db:"commission"`
	ResolvedAt       *int64 `db:"resolved_at"`
	ResolvedBy       string `db:"resolved_by"`
	CreatedAt        int64  `db:"created_at"`
}

func (r escrowRow) domain() escrow.Transaction {
	return escrow.Transaction{
		ID:               r.ID,
		GiftID:           r.GiftID,
		SenderID:         r.SenderID,
		RecipientID:      r.RecipientID,
		MomentID:         r.MomentID,
		Amount:           coin.Amount(r.Amount),
		Status:           escrow.Status(r.Status),
		ExpiresAt:        fromMillis(r.ExpiresAt),
		ReleaseCondition: r.ReleaseCondition,
		Commission:       coin.Amount(r.Commission),
		ResolvedAt:       fromNullMillis(r.ResolvedAt),
		ResolvedBy:       r.ResolvedBy,
		CreatedAt:        fromMillis(r.CreatedAt),
	}
}

const escrowColumns = `id, gift_id, sender_id, recipient_id, moment_id, amount, status, expires_at,
	release_condition, commission, resolved_at, resolved_by, created_at`

func (q *queries) CreateEscrow(ctx context.Context, e escrow.Transaction) (escrow.Transaction, error) {
	e.ID = newID(e.ID)
	e.CreatedAt = stamp(e.CreatedAt)
	_, err := q.exec(ctx, `
		INSERT INTO escrow_transactions (`+escrowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.GiftID, e.SenderID, e.RecipientID, e.MomentID, int64(e.Amount), string(e.Status),
		toMillis(e.ExpiresAt), e.ReleaseCondition, int64(e.Commission), toNullMillis(e.ResolvedAt),
		e.ResolvedBy, toMillis(e.CreatedAt))
	if err != nil {
		return escrow.Transaction{}, err
	}
	return e, nil
}

func (q *queries) GetEscrow(ctx context.Context, id string) (escrow.Transaction, error) {
	var row escrowRow
	err := q.get(ctx, &row, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = ?`, id)
	if isNoRows(err) {
		return escrow.Transaction{}, apperrors.NotFound("escrow", id)
	}
	if err != nil {
		return escrow.Transaction{}, err
	}
	return row.domain(), nil
}

func (q *queries) ResolveEscrow(ctx context.Context, id string, status escrow.Status, commission coin.Amount, by string, at time.Time) (bool, error) {
	n, err := q.exec(ctx, `
		UPDATE escrow_transactions
		SET status = ?, commission = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, string(status), int64(commission), by, toMillis(stamp(at)), id, string(escrow.StatusPending))
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, getErr := q.GetEscrow(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

func (q *queries) ListPendingEscrows(ctx context.Context, momentID string) ([]escrow.Transaction, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrow_transactions WHERE status = ?`
	args := []any{string(escrow.StatusPending)}
	if momentID != "" {
		query += ` AND moment_id = ?`
		args = append(args, momentID)
	}
	query += ` ORDER BY created_at`

	var rows []escrowRow
	if err := q.sel(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]escrow.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}

func (q *queries) CountHeldEscrows(ctx context.Context, momentID, senderID string) (int, error) {
	var n int
	err := q.get(ctx, &n, `
		SELECT COUNT(*) FROM escrow_transactions
		WHERE status IN (?, ?) AND moment_id = ? AND sender_id = ?
	`, string(escrow.StatusPending), string(escrow.StatusReleased), momentID, senderID)
	return n, err
}

// --- ChatStore --------------------------------------------------------------

type unlockRow struct {
	ID          string `db:"id"`
	MomentID    string `db:"moment_id"`
	RequesterID string `db:"requester_id"`
	HostID      string `db:"host_id"`
	Status      string `db:"status"`
	Premium     bool   `db:"premium"`
	CreatedAt   int64  `db:"created_at"`
	DecidedAt   *int64 `db:"decided_at"`
}

func (r unlockRow) domain() chat.UnlockRequest {
	return chat.UnlockRequest{
		ID:          r.ID,
		MomentID:    r.MomentID,
		RequesterID: r.RequesterID,
		HostID:      r.HostID,
		Status:      chat.UnlockStatus(r.Status),
		Premium:     r.Premium,
		CreatedAt:   fromMillis(r.CreatedAt),
		DecidedAt:   fromNullMillis(r.DecidedAt),
	}
}

const unlockColumns = `id, moment_id, requester_id, host_id, status, premium, created_at, decided_at`

func (q *queries) CreateUnlock(ctx context.Context, r chat.UnlockRequest) (chat.UnlockRequest, error) {
	r.ID = newID(r.ID)
	r.CreatedAt = stamp(r.CreatedAt)
	_, err := q.exec(ctx, `
		INSERT INTO chat_unlocks (`+unlockColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.MomentID, r.RequesterID, r.HostID, string(r.Status), r.Premium, toMillis(r.CreatedAt),
		toNullMillis(r.DecidedAt))
	if isUniqueViolation(err) {
		return chat.UnlockRequest{}, apperrors.ErrStaleState.WithDetails("moment_id", r.MomentID)
	}
	if err != nil {
		return chat.UnlockRequest{}, err
	}
	return r, nil
}

func (q *queries) GetUnlock(ctx context.Context, id string) (chat.UnlockRequest, error) {
	var row unlockRow
	err := q.get(ctx, &row, `SELECT `+unlockColumns+` FROM chat_unlocks WHERE id = ?`, id)
	if isNoRows(err) {
		return chat.UnlockRequest{}, apperrors.NotFound("chat unlock", id)
	}
	if err != nil {
		return chat.UnlockRequest{}, err
	}
	return row.domain(), nil
}

func (q *queries) UpdateUnlock(ctx context.Context, r chat.UnlockRequest, expected chat.UnlockStatus) (chat.UnlockRequest, error) {
	var row unlockRow
	err := q.get(ctx, &row, `
		UPDATE chat_unlocks SET status = ?, decided_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+unlockColumns,
		string(r.Status), toNullMillis(r.DecidedAt), r.ID, string(expected))
	if isNoRows(err) {
		if _, getErr := q.GetUnlock(ctx, r.ID); getErr != nil {
			return chat.UnlockRequest{}, getErr
		}
		return chat.UnlockRequest{}, apperrors.ErrStaleState.WithDetails("chat_unlock", r.ID)
	}
	if err != nil {
		return chat.UnlockRequest{}, err
	}
	return row.domain(), nil
}

func (q *queries) ListUnlocks(ctx context.Context, momentID string) ([]chat.UnlockRequest, error) {
	var rows []unlockRow
	if err := q.sel(ctx, &rows, `SELECT `+unlockColumns+` FROM chat_unlocks WHERE moment_id = ? ORDER BY created_at`,
		momentID); err != nil {
		return nil, err
	}
	out := make([]chat.UnlockRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}

type messageRow struct {
	ID          string `db:"id"`
	MomentID    string `db:"moment_id"`
	SenderID    string `db:"sender_id"`
	RecipientID string `db:"recipient_id"`
	Body        string `db:"body"`
	CreatedAt   int64  `db:"created_at"`
}

func (q *queries) CreateMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	msg.ID = newID(msg.ID)
	msg.CreatedAt = stamp(msg.CreatedAt)
	_, err := q.exec(ctx, `
		INSERT INTO chat_messages (id, moment_id, sender_id, recipient_id, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.MomentID, msg.SenderID, msg.RecipientID, msg.Body, toMillis(msg.CreatedAt))
	if err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

func (q *queries) ListMessages(ctx context.Context, momentID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []messageRow
	if err := q.sel(ctx, &rows, `
		SELECT id, moment_id, sender_id, recipient_id, body, created_at
		FROM chat_messages WHERE moment_id = ?
		ORDER BY seq DESC LIMIT ?
	`, momentID, limit); err != nil {
		return nil, err
	}
	out := make([]chat.Message, len(rows))
	for i, r := range rows {
		// Oldest first.
		out[len(rows)-1-i] = chat.Message{
			ID:          r.ID,
			MomentID:    r.MomentID,
			SenderID:    r.SenderID,
			RecipientID: r.RecipientID,
			Body:        r.Body,
			CreatedAt:   fromMillis(r.CreatedAt),
		}
	}
	return out, nil
}

// --- AuditStore -------------------------------------------------------------

type auditRow struct {
	ID         string `db:"id"`
	ActorID    string `db:"actor_id"`
	Action     string `db:"action"`
	EntityType string `db:"entity_type"`
	EntityID   string `db:"entity_id"`
	Metadata   string `db:"metadata"`
	CreatedAt  int64  `db:"created_at"`
}

func (q *queries) AppendAudit(ctx context.Context, r audit.Record) (audit.Record, error) {
	r.ID = newID(r.ID)
	r.Timestamp = stamp(r.Timestamp)
	meta := []byte("{}")
	if len(r.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(r.Metadata); err != nil {
			return audit.Record{}, err
		}
	}
	_, err := q.exec(ctx, `
		INSERT INTO audit_records (id, actor_id, action, entity_type, entity_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ActorID, r.Action, r.EntityType, r.EntityID, string(meta), toMillis(r.Timestamp))
	if err != nil {
		return audit.Record{}, err
	}
	return r, nil
}

func (q *queries) ListAudit(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value != "" {
			where = append(where, column+" = ?")
			args = append(args, value)
		}
	}
	add("actor_id", f.ActorID)
	add("entity_type", f.EntityType)
	add("entity_id", f.EntityID)
	add("action", f.Action)

	query := `SELECT id, actor_id, action, entity_type, entity_id, metadata, created_at FROM audit_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []auditRow
	if err := q.sel(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]audit.Record, 0, len(rows))
	for _, r := range rows {
		rec := audit.Record{
			ID:         r.ID,
			ActorID:    r.ActorID,
			Action:     r.Action,
			EntityType: r.EntityType,
			EntityID:   r.EntityID,
			Timestamp:  fromMillis(r.CreatedAt),
		}
		_ = json.Unmarshal([]byte(r.Metadata), &rec.Metadata)
		out = append(out, rec)
	}
	return out, nil
}

// --- DecisionStore ----------------------------------------------------------

type decisionRow struct {
	ID           string  `db:"id"`
	EntityType   string  `db:"entity_type"`
	EntityID     string  `db:"entity_id"`
	Decision     string  `db:"decision"`
	ActorID      string  `db:"actor_id"`
	Reason       string  `db:"reason"`
	Reversible   bool    `db:"reversible"`
	SupersedesID *string `db:"supersedes_id"`
	CreatedAt    int64   `db:"created_at"`
}

func (q *queries) AppendDecision(ctx context.Context, d decision.Decision) (decision.Decision, error) {
	d.ID = newID(d.ID)
	d.CreatedAt = stamp(d.CreatedAt)
	var supersedes *string
	if d.SupersedesID != "" {
		supersedes = &d.SupersedesID
	}
	_, err := q.exec(ctx, `
		INSERT INTO decisions (id, entity_type, entity_id, decision, actor_id, reason, reversible, supersedes_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.EntityType, d.EntityID, d.Decision, d.ActorID, d.Reason, d.Reversible, supersedes, toMillis(d.CreatedAt))
	if err != nil {
		return decision.Decision{}, err
	}
	return d, nil
}

func (q *queries) ListDecisions(ctx context.Context, entityType, entityID string) ([]decision.Decision, error) {
	var rows []decisionRow
	if err := q.sel(ctx, &rows, `
		SELECT id, entity_type, entity_id, decision, actor_id, reason, reversible, supersedes_id, created_at
		FROM decisions WHERE entity_type = ? AND entity_id = ?
		ORDER BY seq
	`, entityType, entityID); err != nil {
		return nil, err
	}
	out := make([]decision.Decision, 0, len(rows))
	for _, r := range rows {
		d := decision.Decision{
			ID:         r.ID,
			EntityType: r.EntityType,
			EntityID:   r.EntityID,
			Decision:   r.Decision,
			ActorID:    r.ActorID,
			Reason:     r.Reason,
			Reversible: r.Reversible,
			CreatedAt:  fromMillis(r.CreatedAt),
		}
		if r.SupersedesID != nil {
			d.SupersedesID = *r.SupersedesID
		}
		out = append(out, d)
	}
	return out, nil
}
