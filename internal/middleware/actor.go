package middleware

import (
	"context"
	"net/http"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	apperrors "github.com/lovendo/momentcore/internal/errors"
	"github.com/lovendo/momentcore/internal/httputil"
	"github.com/lovendo/momentcore/internal/logging"
)

type actorKey struct{}

// WithActor stores the authenticated actor and mirrors its id and primary
// role into the logging context.
func WithActor(ctx context.Context, a account.Actor) context.Context {
	ctx = context.WithValue(ctx, actorKey{}, a)
	ctx = logging.WithUserID(ctx, a.ID)
	if len(a.Roles) > 0 {
		ctx = logging.WithRole(ctx, string(a.Roles[0]))
	}
	return ctx
}

// ActorFrom returns the actor stored by the auth middlewares.
func ActorFrom(ctx context.Context) (account.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(account.Actor)
	return a, ok && a.ID != ""
}

// RequireActor rejects requests that reached it without an actor.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ActorFrom(r.Context()); !ok {
			httputil.WriteError(w, apperrors.Unauthenticated("missing actor"), false)
			return
		}
		next.ServeHTTP(w, r)
	})
}
