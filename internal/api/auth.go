package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/watmarket/market-engine/internal/model"
)

// AccountResolver maps an authenticated identity to its ledger account,
// opening the account on first sight. ledger.Engine implements it.
type AccountResolver interface {
	EnsureAccount(ctx context.Context, id, email string) (*model.Account, error)
}

// Claims are the token claims the API reads. Subject is the account id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens. Tokens are issued elsewhere.
type Authenticator struct {
	secret   []byte
	accounts AccountResolver
}

// NewAuthenticator creates an Authenticator that checks tokens against secret.
func NewAuthenticator(secret []byte, accounts AccountResolver) *Authenticator {
	return &Authenticator{secret: secret, accounts: accounts}
}

type accountKey struct{}

// AccountFrom returns the authenticated account stored by Middleware.
func AccountFrom(ctx context.Context) (*model.Account, bool) {
	acct, ok := ctx.Value(accountKey{}).(*model.Account)
	return acct, ok
}

// mustAccount is for handlers mounted behind Middleware.
func mustAccount(ctx context.Context) *model.Account {
	acct, ok := AccountFrom(ctx)
	if !ok {
		panic("api: handler mounted without authentication")
	}
	return acct
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's account in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			writeError(w, "invalid token format", http.StatusUnauthorized)
			return
		}

		claims, err := a.parse(raw)
		if err != nil {
			writeError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		acct, err := a.accounts.EnsureAccount(r.Context(), claims.Subject, claims.Email)
		if err != nil {
			slog.Error("resolve account failed", "account_id", claims.Subject, "err", err)
			writeError(w, "failed to resolve account", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey{}, acct)))
	})
}

func (a *Authenticator) parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token not valid")
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing subject")
	}
	return claims, nil
}

// RequireAdmin lets only admin accounts through. It must run after
// Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acct, ok := AccountFrom(r.Context())
		if !ok || !acct.IsAdmin {
			writeError(w, "admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
