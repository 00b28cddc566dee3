package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/lovendo/momentcore/internal/errors"
	"github.com/lovendo/momentcore/internal/httputil"
	"github.com/lovendo/momentcore/internal/logging"
)

const (
	// HeaderKey carries the client-chosen idempotency key.
	HeaderKey = "Idempotency-Key"
	// HeaderReplayed marks a replayed response.
	HeaderReplayed = "Idempotent-Replayed"

	maxKeyLength = 128
	// reservationTTL bounds how long a crashed request can hold its key.
	reservationTTL = 30 * time.Second
)

// ErrInProgress answers a request whose key is held by one still running.
var ErrInProgress = &apperrors.ServiceError{
	Code:       apperrors.CodeStaleState,
	Message:    "A request with this Idempotency-Key is still in progress",
	HTTPStatus: http.StatusConflict,
}

// Middleware replays cached responses for POSTs carrying an Idempotency-Key.
// scope names the caller (usually the actor id); requests with an empty scope
// are not cached. Only responses below 500 are stored so server failures can
// be retried. A key is reserved while its first request runs; concurrent
// duplicates get 409 with Retry-After instead of running the handler again.
func Middleware(store Store, ttl time.Duration, scope func(*http.Request) string, log *logging.Logger) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if log == nil {
		log = logging.NewDefault("idempotency")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderKey))
			if r.Method != http.MethodPost || key == "" || len(key) > maxKeyLength {
				next.ServeHTTP(w, r)
				return
			}
			who := scope(r)
			if who == "" {
				next.ServeHTTP(w, r)
				return
			}
			cacheKey := who + "|" + r.URL.Path + "|" + key
			ctx := r.Context()

			if cached, ok, err := store.Get(ctx, cacheKey); err != nil {
				log.WithContext(ctx).WithError(err).Warn("idempotency lookup failed")
			} else if ok {
				replay(w, cached)
				return
			}

			reserved, err := store.Reserve(ctx, cacheKey, reservationTTL)
			switch {
			case err != nil:
				log.WithContext(ctx).WithError(err).Warn("idempotency reservation failed")
			case !reserved:
				if cached, ok, _ := store.Get(ctx, cacheKey); ok {
					replay(w, cached)
					return
				}
				w.Header().Set("Retry-After", "1")
				httputil.WriteError(w, ErrInProgress, false)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			stored := false
			defer func() {
				if reserved && !stored {
					_ = store.Release(context.WithoutCancel(ctx), cacheKey)
				}
			}()
			next.ServeHTTP(rec, r)
			if rec.status >= 500 {
				return
			}
			resp := Response{
				Status: rec.status,
				Header: http.Header{"Content-Type": w.Header().Values("Content-Type")},
				Body:   rec.body.Bytes(),
			}
			if err := store.Put(ctx, cacheKey, resp, ttl); err != nil {
				log.WithContext(ctx).WithError(err).Warn("idempotency store failed")
				return
			}
			stored = true
		})
	}
}

func replay(w http.ResponseWriter, cached Response) {
	for k, vs := range cached.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(cached.Status)
	_, _ = w.Write(cached.Body)
}

type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
