// Package middleware provides the HTTP middleware of the moment API.
package middleware

import (
	"crypto/rsa"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	"github.com/lovendo/momentcore/internal/errors"
	"github.com/lovendo/momentcore/internal/httputil"
	"github.com/lovendo/momentcore/internal/logging"
)

// Claims represents user JWT claims. The user id falls back to the subject.
type Claims struct {
	UserID string   `json:"user_id,omitempty"`
	Role   string   `json:"role,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// AuthConfig configures AuthMiddleware. Secret enables HS256 tokens and
// PublicKey RS256 tokens; at least one must be set.
type AuthConfig struct {
	Secret      []byte
	PublicKey   *rsa.PublicKey
	Admins      map[string]struct{}
	SuperAdmins map[string]struct{}
	SkipPaths   []string
	Logger      *logging.Logger
}

// AuthMiddleware provides JWT authentication
type AuthMiddleware struct {
	secret      []byte
	publicKey   *rsa.PublicKey
	admins      map[string]struct{}
	superAdmins map[string]struct{}
	skipPaths   map[string]bool
	logger      *logging.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(cfg AuthConfig) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range cfg.SkipPaths {
		skip[path] = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDefault("auth")
	}
	return &AuthMiddleware{
		secret:      cfg.Secret,
		publicKey:   cfg.PublicKey,
		admins:      cfg.Admins,
		superAdmins: cfg.SuperAdmins,
		skipPaths:   skip,
		logger:      logger,
	}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		// Service-authenticated requests already carry an actor.
		if _, ok := ActorFrom(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, err := bearerToken(r)
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		claims, err := m.validateToken(tokenString)
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("Token validation failed")
			m.respondError(w, r, err)
			return
		}

		actor, err := m.actorFor(claims)
		if err != nil {
			m.respondError(w, r, err)
			return
		}
		ctx := WithActor(r.Context(), actor)

		m.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"user_id": actor.ID,
			"roles":   actor.RoleNames(),
		}).Debug("Authentication successful")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken reads the Authorization header. Websocket upgrades may pass
// the token as the access_token query parameter since browsers cannot set
// headers on them.
func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			if tok := r.URL.Query().Get("access_token"); tok != "" {
				return tok, nil
			}
		}
		return "", errors.Unauthenticated("missing Authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.Unauthenticated("invalid Authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// validateToken validates a JWT token and returns claims
func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if len(m.secret) > 0 {
				return m.secret, nil
			}
		case *jwt.SigningMethodRSA:
			if m.publicKey != nil {
				return m.publicKey, nil
			}
		}
		return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	if !token.Valid {
		return nil, errors.InvalidToken(nil)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid claims type")
	}
	return claims, nil
}

// actorFor derives the actor from token claims and the admin allowlists.
// User tokens can never carry the system role.
func (m *AuthMiddleware) actorFor(c *Claims) (account.Actor, error) {
	userID := strings.TrimSpace(c.UserID)
	if userID == "" {
		userID = strings.TrimSpace(c.Subject)
	}
	if userID == "" {
		return account.Actor{}, errors.InvalidToken(nil).WithDetails("reason", "missing user id")
	}
	if userID == account.SystemActorID || userID == account.TreasuryAccountID {
		return account.Actor{}, errors.InvalidToken(nil).WithDetails("reason", "reserved user id")
	}

	var roles []string
	seen := map[string]bool{}
	add := func(r string) {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" || seen[r] || r == string(account.RoleSystem) {
			return
		}
		// Admin roles come only from the allowlists.
		if r == string(account.RoleAdmin) || r == string(account.RoleSuperAdmin) {
			return
		}
		seen[r] = true
		roles = append(roles, r)
	}
	add(string(account.RoleUser))
	add(c.Role)
	for _, r := range c.Roles {
		add(r)
	}
	if _, ok := m.superAdmins[userID]; ok {
		roles = append(roles, string(account.RoleSuperAdmin))
	} else if _, ok := m.admins[userID]; ok {
		roles = append(roles, string(account.RoleAdmin))
	}
	return account.NewActor(userID, roles...), nil
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("Authentication failed", err)
	}

	httputil.WriteError(w, serviceErr, false)

	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
	}).Warn("Authentication failed")
}
