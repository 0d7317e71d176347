package api

import (
	"context"
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/bastion-ai/bastion/internal/store"
)

// principalInfo identifies an authenticated caller.
type principalInfo struct {
	ID   string
	Name string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p principalInfo) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// principalFrom returns the authenticated caller, if any. Absent when auth
// is disabled.
func principalFrom(ctx context.Context) (principalInfo, bool) {
	p, ok := ctx.Value(principalKey{}).(principalInfo)
	return p, ok
}

// verifiedKey is one cache slot for an API key that already passed bcrypt.
// checkedAt ages the slot; inFlight makes sure at most one background
// re-verification runs per slot.
type verifiedKey struct {
	principal principalInfo
	checkedAt atomic.Int64 // unix nanoseconds of the last successful verify
	inFlight  atomic.Bool
}

func (v *verifiedKey) age() time.Duration {
	return time.Since(time.Unix(0, v.checkedAt.Load()))
}

// keyAuth verifies Bearer bsk_ keys against the principal store. bcrypt is
// far too slow to run on every request, so keys that verified once are
// remembered by their SHA-256 (the plaintext key is never retained) and
// served from cache; slots older than ttl are re-verified off the request
// path, and a key that stops verifying is evicted rather than served stale
// forever.
type keyAuth struct {
	store  *store.Store
	ttl    time.Duration
	logger *zap.Logger
	seen   sync.Map // [32]byte token digest → *verifiedKey
}

func newKeyAuth(st *store.Store, ttl time.Duration, logger *zap.Logger) *keyAuth {
	return &keyAuth{store: st, ttl: ttl, logger: logger}
}

// require wraps a handler with API-key authentication.
func (a *keyAuth) require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			respond(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing or invalid Authorization header"})
			return
		}
		if !strings.HasPrefix(token, "bsk_") || len(token) < 12 {
			respond(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid API key format"})
			return
		}

		digest := sha256.Sum256([]byte(token))
		if v, ok := a.seen.Load(digest); ok {
			slot := v.(*verifiedKey)
			if slot.age() > a.ttl && slot.inFlight.CompareAndSwap(false, true) {
				go a.recheck(token, digest, slot)
			}
			next(w, r.WithContext(withPrincipal(r.Context(), slot.principal)))
			return
		}

		info, err := a.verify(r.Context(), token)
		if err != nil {
			a.logger.Warn("api key rejected", zap.Error(err))
			respond(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid API key"})
			return
		}
		slot := &verifiedKey{principal: info}
		slot.checkedAt.Store(time.Now().UnixNano())
		a.seen.Store(digest, slot)
		next(w, r.WithContext(withPrincipal(r.Context(), info)))
	}
}

// verify runs the full check: prefix lookup, disabled flag, bcrypt compare.
func (a *keyAuth) verify(ctx context.Context, token string) (principalInfo, error) {
	p, err := a.store.LookupByPrefix(ctx, token[:8])
	if err != nil {
		return principalInfo{}, err
	}
	if p == nil {
		return principalInfo{}, errUnknownKey
	}
	if p.Disabled {
		return principalInfo{}, errDisabledKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.APIKeyHash), []byte(token)); err != nil {
		return principalInfo{}, err
	}
	return principalInfo{ID: p.ID, Name: p.Name}, nil
}

// recheck re-verifies an aged slot off the request path. A key that no
// longer verifies (rotated, disabled, deleted) is evicted so the next
// request takes the synchronous path and gets a 401.
func (a *keyAuth) recheck(token string, digest [32]byte, slot *verifiedKey) {
	defer slot.inFlight.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := a.verify(ctx, token); err != nil {
		a.seen.Delete(digest)
		a.logger.Warn("cached api key no longer verifies, evicting",
			zap.String("principal", slot.principal.Name),
			zap.Error(err),
		)
		return
	}
	slot.checkedAt.Store(time.Now().UnixNano())
}

var (
	errUnknownKey  = authError("no principal for key prefix")
	errDisabledKey = authError("principal disabled")
)

type authError string

func (e authError) Error() string { return string(e) }

// bearerToken pulls the credential out of the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, rest, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(rest)
	return token, token != ""
}
