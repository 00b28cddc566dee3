package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	app "github.com/lovendo/momentcore/internal/app"
	"github.com/lovendo/momentcore/internal/app/domain/account"
	domainaudit "github.com/lovendo/momentcore/internal/app/domain/audit"
	"github.com/lovendo/momentcore/internal/app/domain/coin"
	domainescrow "github.com/lovendo/momentcore/internal/app/domain/escrow"
	"github.com/lovendo/momentcore/internal/app/domain/moment"
	"github.com/lovendo/momentcore/internal/app/domain/proof"
	"github.com/lovendo/momentcore/internal/app/idempotency"
	"github.com/lovendo/momentcore/internal/app/metrics"
	"github.com/lovendo/momentcore/internal/app/services/escrow"
	"github.com/lovendo/momentcore/internal/app/services/moments"
	"github.com/lovendo/momentcore/internal/app/services/notify"
	"github.com/lovendo/momentcore/internal/app/services/proofs"
	"github.com/lovendo/momentcore/internal/app/services/signals"
	apperrors "github.com/lovendo/momentcore/internal/errors"
	"github.com/lovendo/momentcore/internal/httputil"
	"github.com/lovendo/momentcore/internal/logging"
	"github.com/lovendo/momentcore/internal/middleware"
)

const maxBodyBytes = 1 << 20

// Config wires the transport concerns around the API.
type Config struct {
	Auth        middleware.AuthConfig
	ServiceAuth middleware.ServiceAuthConfig
	CORSOrigins []string

	RateLimitRPS   int
	RateLimitBurst int

	// Idempotency caches policy POST responses; nil uses an in-memory store.
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration

	// Requests records served requests for the admin request log; nil keeps
	// an in-memory log only.
	Requests *RequestLog

	Logger *logging.Logger
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app      *app.Application
	log      *logging.Logger
	requests *RequestLog
	origins  map[string]struct{}
}

// NewHandler returns the routed API wrapped in the middleware chain. The
// returned limiter lets the caller run periodic cleanup.
func NewHandler(application *app.Application, cfg Config) (http.Handler, *middleware.RateLimiter) {
	log := cfg.Logger
	if log == nil {
		log = logging.NewDefault("httpapi")
	}
	requests := cfg.Requests
	if requests == nil {
		requests = NewRequestLog(200, nil)
	}
	h := &handler{app: application, log: log, requests: requests, origins: make(map[string]struct{})}
	for _, o := range cfg.CORSOrigins {
		h.origins[o] = struct{}{}
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteError(w, apperrors.NotFound("route", ""), false)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteError(w, &apperrors.ServiceError{
			Code:       apperrors.CodeInvalidInput,
			Message:    "Method not allowed",
			HTTPStatus: http.StatusMethodNotAllowed,
		}, false)
	})

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/moments", h.createMoment).Methods(http.MethodPost)
	r.HandleFunc("/moments/{id}", h.getMoment).Methods(http.MethodGet)
	r.HandleFunc("/moments/{id}/claim", h.createClaim).Methods(http.MethodPost)
	r.HandleFunc("/moments/{id}/gift", h.createGift).Methods(http.MethodPost)
	r.HandleFunc("/claims/{id}", h.getClaim).Methods(http.MethodGet)
	r.HandleFunc("/claims/{id}/consume", h.consumeClaim).Methods(http.MethodPost)
	r.HandleFunc("/claims/{id}/cancel", h.cancelClaim).Methods(http.MethodPost)
	r.HandleFunc("/claims/{id}/proof", h.submitProof).Methods(http.MethodPost)
	r.HandleFunc("/gifts", h.createGift).Methods(http.MethodPost)
	r.HandleFunc("/escrow/{id}", h.getEscrow).Methods(http.MethodGet)

	r.HandleFunc("/moments/{id}/chat/unlock", h.requestUnlock).Methods(http.MethodPost)
	r.HandleFunc("/moments/{id}/chat/unlocks", h.listUnlocks).Methods(http.MethodGet)
	r.HandleFunc("/chat/unlock/{id}/decision", h.decideUnlock).Methods(http.MethodPost)
	r.HandleFunc("/moments/{id}/chat/messages", h.sendMessage).Methods(http.MethodPost)
	r.HandleFunc("/moments/{id}/chat/messages", h.chatHistory).Methods(http.MethodGet)
	r.HandleFunc("/moments/{id}/chat/ws", h.chatSocket).Methods(http.MethodGet)

	r.HandleFunc("/accounts/me", h.me).Methods(http.MethodGet)
	r.HandleFunc("/accounts/me/ledger", h.myLedger).Methods(http.MethodGet)

	r.Handle("/signals/suspicion", middleware.RequireSystem(http.HandlerFunc(h.ingestSignal))).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(requireAdmin)
	admin.HandleFunc("/moments/{id}/status", h.adminMomentStatus).Methods(http.MethodPost)
	admin.HandleFunc("/proofs/{id}/decision", h.adminDecideProof).Methods(http.MethodPost)
	admin.HandleFunc("/escrow/{id}/override", h.adminOverrideEscrow).Methods(http.MethodPost)
	admin.HandleFunc("/escrow/{id}/dispute", h.adminDisputeEscrow).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id}/credit", h.adminCredit).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id}/restrictions", h.adminRestrict).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id}/disabled", h.adminSetDisabled).Methods(http.MethodPost)
	admin.HandleFunc("/audit", h.adminAudit).Methods(http.MethodGet)
	admin.HandleFunc("/decisions/{type}/{id}", h.adminDecisions).Methods(http.MethodGet)
	admin.HandleFunc("/requests", h.adminRequests).Methods(http.MethodGet)

	authCfg := cfg.Auth
	authCfg.SkipPaths = append(authCfg.SkipPaths, "/healthz", "/metrics")
	if authCfg.Logger == nil {
		authCfg.Logger = log
	}
	svcCfg := cfg.ServiceAuth
	if svcCfg.Logger == nil {
		svcCfg.Logger = log
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log)

	store := cfg.Idempotency
	if store == nil {
		store = idempotency.NewMemoryStore()
	}
	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	var chain http.Handler = r
	chain = idempotency.Middleware(store, ttl, actorScope, log)(chain)
	chain = limiter.Handler(chain)
	chain = wrapWithRequestLog(chain, requests)
	chain = middleware.NewAuthMiddleware(authCfg).Handler(chain)
	chain = middleware.NewServiceAuthMiddleware(svcCfg).Handler(chain)
	chain = middleware.NewCORSMiddleware(cfg.CORSOrigins).Handler(chain)
	chain = metrics.InstrumentHandler(chain)
	chain = middleware.NewTracingMiddleware(log).Handler(chain)
	return chain, limiter
}

func actorScope(r *http.Request) string {
	if a, ok := middleware.ActorFrom(r.Context()); ok {
		return a.ID
	}
	return ""
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := middleware.ActorFrom(r.Context())
		if !ok {
			httputil.WriteError(w, apperrors.Unauthenticated("missing credentials"), false)
			return
		}
		if !a.IsAdmin() {
			httputil.WriteError(w, apperrors.Unauthorized(r.URL.Path), false)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"services": h.app.Descriptors(),
	})
}

// --- moments ---------------------------------------------------------------

func (h *handler) createMoment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req moments.CreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.app.Moments.Create(r.Context(), actor, req)
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusCreated, string(m.Status), m)
}

func (h *handler) getMoment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	m, err := h.app.Moments.Get(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, string(m.Status), m)
}

// --- claims ----------------------------------------------------------------

func (h *handler) createClaim(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	c, err := h.app.Claims.Create(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	h.notifyOwner(r.Context(), c.MomentID, notify.KindClaimCreated, c.ID, map[string]any{"claimant_id": c.ClaimantID})
	httputil.WriteSuccess(w, http.StatusCreated, string(moment.StatusClaimed), c)
}

func (h *handler) getClaim(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	c, err := h.app.Claims.Get(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, string(c.Status), c)
}

func (h *handler) consumeClaim(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	c, err := h.app.Claims.MarkConsumed(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, string(moment.StatusConsumed), c)
}

func (h *handler) cancelClaim(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	c, err := h.app.Claims.Cancel(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, string(moment.StatusPublished), c)
}

// --- proofs ----------------------------------------------------------------

func (h *handler) submitProof(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req proofs.SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.app.Proofs.Submit(r.Context(), actor, mux.Vars(r)["id"], req)
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	h.notifyOwner(r.Context(), p.MomentID, notify.KindProofSubmitted, p.ID, map[string]any{"attempt": p.Attempt})
	httputil.WriteSuccess(w, http.StatusCreated, string(moment.StatusProofSubmitted), p)
}

// --- gifts and escrow ------------------------------------------------------

func (h *handler) createGift(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req escrow.GiftRequest
	if !h.decode(w, r, &req) {
		return
	}
	if id := mux.Vars(r)["id"]; id != "" {
		req.MomentID = id
	}
	res, err := h.app.Escrow.CreateGift(r.Context(), actor, req)
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	h.notifyUser(r.Context(), res.Gift.ReceiverID, notify.KindGiftReceived, res.Gift.ID, map[string]any{
		"amount":  res.Gift.Amount,
		"escrow":  res.Gift.Escrowed(),
		"giver":   res.Gift.GiverID,
		"moment":  res.Gift.MomentID,
		"status":  res.Gift.Status,
		"gift_id": res.Gift.ID,
	})
	httputil.WriteSuccess(w, http.StatusCreated, string(res.Gift.Status), res)
}

func (h *handler) getEscrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	e, err := h.app.Escrow.Get(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, string(e.Status), e)
}

func (h *handler) resolveEscrow(w http.ResponseWriter, r *http.Request, actor account.Actor, outcome domainescrow.Outcome, reason string) {
	res, err := h.app.Escrow.Resolve(r.Context(), actor, mux.Vars(r)["id"], outcome, reason)
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	if !res.AlreadyResolved {
		data := map[string]any{"status": res.Escrow.Status, "amount": res.Escrow.Amount}
		h.notifyUser(r.Context(), res.Escrow.SenderID, notify.KindEscrowResolved, res.Escrow.ID, data)
		h.notifyUser(r.Context(), res.Escrow.RecipientID, notify.KindEscrowResolved, res.Escrow.ID, data)
	}
	httputil.WriteSuccess(w, http.StatusOK, string(res.Escrow.Status), res)
}

// --- chat ------------------------------------------------------------------

func (h *handler) requestUnlock(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, err := h.app.Chat.RequestUnlock(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	h.notifyUser(r.Context(), req.HostID, notify.KindChatUnlockRequested, req.ID, map[string]any{
		"moment_id":    req.MomentID,
		"requester_id": req.RequesterID,
	})
	httputil.WriteSuccess(w, http.StatusCreated, string(req.Status), req)
}

func (h *handler) listUnlocks(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	list, err := h.app.Chat.Unlocks(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", list)
}

func (h *handler) decideUnlock(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var payload struct {
		Approve bool `json:"approve"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	req, err := h.app.Chat.DecideUnlock(r.Context(), actor, mux.Vars(r)["id"], payload.Approve)
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	h.notifyUser(r.Context(), req.RequesterID, notify.KindChatUnlockDecided, req.ID, map[string]any{
		"moment_id": req.MomentID,
		"status":    req.Status,
	})
	httputil.WriteSuccess(w, http.StatusOK, string(req.Status), req)
}

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var payload struct {
		RecipientID string `json:"recipient_id"`
		Body        string `json:"body"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	msg, err := h.app.Chat.Send(r.Context(), actor, mux.Vars(r)["id"], payload.RecipientID, payload.Body)
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	h.notifyUser(r.Context(), msg.RecipientID, notify.KindChatMessage, msg.ID, map[string]any{
		"moment_id": msg.MomentID,
		"sender_id": msg.SenderID,
	})
	httputil.WriteSuccess(w, http.StatusCreated, "", msg)
}

func (h *handler) chatHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	msgs, err := h.app.Chat.History(r.Context(), actor, mux.Vars(r)["id"], r.URL.Query().Get("peer"), limit)
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", msgs)
}

// --- accounts --------------------------------------------------------------

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if _, err := h.app.Ledger.EnsureAccount(r.Context(), actor.ID); err != nil {
		h.fail(w, actor, err)
		return
	}
	acct, err := h.app.Ledger.Get(r.Context(), actor, actor.ID)
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", acct)
}

func (h *handler) myLedger(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	entries, err := h.app.Ledger.Entries(r.Context(), actor, actor.ID, limit)
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", entries)
}

// --- AI intake -------------------------------------------------------------

func (h *handler) ingestSignal(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	raw, truncated, err := httputil.ReadAllWithLimit(r.Body, maxBodyBytes)
	if err != nil || truncated {
		httputil.WriteError(w, apperrors.InvalidInput("body", "unreadable or too large"), true)
		return
	}
	sig, err := signals.ParseSignal(raw)
	if err != nil {
		httputil.WriteError(w, err, true)
		return
	}
	res, err := h.app.Signals.Ingest(r.Context(), actor, sig)
	if err != nil {
		httputil.WriteError(w, err, true)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, res.Status, res)
}

// --- admin -----------------------------------------------------------------

func (h *handler) adminMomentStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var payload struct {
		Event  moment.Event `json:"event"`
		Reason string       `json:"reason"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	id := mux.Vars(r)["id"]
	var (
		m   moment.Moment
		err error
	)
	if payload.Event == moment.EventLapseProof {
		m, err = h.app.Claims.ConfirmNoShow(r.Context(), actor, id, payload.Reason)
	} else {
		m, err = h.app.Moments.AdminTransition(r.Context(), actor, id, payload.Event, payload.Reason)
	}
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, string(m.Status), m)
}

func (h *handler) adminDecideProof(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var payload struct {
		Decision proof.Decision `json:"decision"`
		Reason   string         `json:"reason"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	res, err := h.app.Proofs.Decide(r.Context(), actor, mux.Vars(r)["id"], payload.Decision, payload.Reason)
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	h.notifyUser(r.Context(), res.Proof.SubmitterID, notify.KindProofDecided, res.Proof.ID, map[string]any{
		"decision": payload.Decision,
		"status":   res.Proof.Status,
	})
	for _, rs := range res.Resolutions {
		if !rs.AlreadyResolved {
			h.notifyUser(r.Context(), rs.Escrow.SenderID, notify.KindEscrowResolved, rs.Escrow.ID, map[string]any{"status": rs.Escrow.Status})
		}
	}
	httputil.WriteSuccess(w, http.StatusOK, string(res.Moment.Status), res)
}

func (h *handler) adminOverrideEscrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var payload struct {
		Outcome domainescrow.Outcome `json:"outcome"`
		Reason  string               `json:"reason"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	h.resolveEscrow(w, r, actor, payload.Outcome, payload.Reason)
}

func (h *handler) adminDisputeEscrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	g, err := h.app.Escrow.Dispute(r.Context(), actor, mux.Vars(r)["id"], payload.Reason)
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, string(g.Status), g)
}

func (h *handler) adminCredit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var payload struct {
		Amount coin.Amount `json:"amount"`
		Reason string      `json:"reason"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	acct, err := h.app.Ledger.Credit(r.Context(), actor, mux.Vars(r)["id"], payload.Amount, payload.Reason)
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", acct)
}

func (h *handler) adminRestrict(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var payload struct {
		Type      account.RestrictionType `json:"type"`
		Reason    string                  `json:"reason"`
		ExpiresAt time.Time               `json:"expires_at"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	res, err := h.app.Ledger.Restrict(r.Context(), actor, account.Restriction{
		AccountID: mux.Vars(r)["id"],
		Type:      payload.Type,
		Reason:    payload.Reason,
		ExpiresAt: payload.ExpiresAt,
	})
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusCreated, "", res)
}

func (h *handler) adminSetDisabled(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var payload struct {
		Disabled bool   `json:"disabled"`
		Reason   string `json:"reason"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	acct, err := h.app.Ledger.SetDisabled(r.Context(), actor, mux.Vars(r)["id"], payload.Disabled, payload.Reason)
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", acct)
}

func (h *handler) adminAudit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	records, err := h.app.Audit.List(r.Context(), actor, domainaudit.Filter{
		ActorID:    q.Get("actor_id"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Action:     q.Get("action"),
		Limit:      limit,
	})
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", records)
}

func (h *handler) adminDecisions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	list, err := h.app.Audit.Decisions(r.Context(), actor, vars["type"], vars["id"])
	if err != nil {
		h.fail(w, actor, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", list)
}

func (h *handler) adminRequests(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		httputil.WriteError(w, err, true)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", h.requests.List(limit))
}

// --- helpers ---------------------------------------------------------------

func (h *handler) actor(w http.ResponseWriter, r *http.Request) (account.Actor, bool) {
	a, ok := middleware.ActorFrom(r.Context())
	if !ok {
		httputil.WriteError(w, apperrors.Unauthenticated("missing credentials"), false)
		return account.Actor{}, false
	}
	return a, true
}

// fail writes err; admins see error details.
func (h *handler) fail(w http.ResponseWriter, actor account.Actor, err error) {
	if se := apperrors.GetServiceError(err); se == nil || se.HTTPStatus >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("actor_id", actor.ID).Error("request failed")
	}
	httputil.WriteError(w, err, actor.IsAdmin())
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), dst); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()), false)
		return false
	}
	return true
}

func (h *handler) notifyUser(ctx context.Context, userID string, kind notify.Kind, entityID string, data map[string]any) {
	h.app.Notifier.Notify(ctx, notify.Notification{UserID: userID, Kind: kind, EntityID: entityID, Data: data})
}

func (h *handler) notifyOwner(ctx context.Context, momentID string, kind notify.Kind, entityID string, data map[string]any) {
	m, err := h.app.Moments.Get(ctx, account.System(), momentID)
	if err != nil {
		h.log.WithContext(ctx).WithError(err).WithField("moment_id", momentID).Debug("notification skipped")
		return
	}
	h.notifyUser(ctx, m.OwnerID, kind, entityID, data)
}

// decodeJSON decodes a single JSON object. An empty body leaves dst untouched.
func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.InvalidInput("limit", "must be a non-negative integer")
	}
	return n, nil
}
