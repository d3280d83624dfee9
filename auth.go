package hume

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// CredentialKind distinguishes the two credential variants.
type CredentialKind int

const (
	// CredentialNone is the zero value; it is never valid.
	CredentialNone CredentialKind = iota
	// CredentialStaticKey is a long-lived API key.
	CredentialStaticKey
	// CredentialBearer is a short-lived access token with an expiry.
	CredentialBearer
)

// Credential is either a static API key or a bearer token. Values are
// immutable; the Authenticator swaps whole values on refresh.
type Credential struct {
	Kind      CredentialKind
	Value     string
	Scheme    string    // bearer only, usually "Bearer"
	IssuedAt  time.Time // bearer only
	ExpiresAt time.Time // bearer only; zero means no expiry
}

// StaticKey returns an API key credential.
func StaticKey(key string) Credential {
	return Credential{Kind: CredentialStaticKey, Value: key}
}

// BearerToken returns a bearer credential valid for ttl from now.
// A zero ttl produces a token without expiry.
func BearerToken(value, scheme string, ttl time.Duration) Credential {
	if scheme == "" {
		scheme = "Bearer"
	}
	now := time.Now()
	c := Credential{Kind: CredentialBearer, Value: value, Scheme: scheme, IssuedAt: now}
	if ttl > 0 {
		c.ExpiresAt = now.Add(ttl)
	}
	return c
}

// BearerTokenFromJWT builds a bearer credential from a JWT access token,
// reading its exp and iat claims. The signature is not verified; the API does
// that. Tokens without exp never expire locally.
func BearerTokenFromJWT(raw string) (Credential, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return Credential{}, &DecodeError{What: "jwt access token", Err: err}
	}
	c := Credential{Kind: CredentialBearer, Value: raw, Scheme: "Bearer", IssuedAt: time.Now()}
	if claims.IssuedAt != nil {
		c.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		c.ExpiresAt = claims.ExpiresAt.Time
	}
	return c, nil
}

// Expired reports whether a bearer credential is past its expiry at now.
func (c Credential) Expired(now time.Time) bool {
	return c.Kind == CredentialBearer && !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Lifetime returns the total validity window of a bearer credential.
func (c Credential) Lifetime() time.Duration {
	if c.Kind != CredentialBearer || c.ExpiresAt.IsZero() || c.IssuedAt.IsZero() {
		return 0
	}
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// apply adds the credential to HTTP request headers.
func (c Credential) apply(h http.Header) {
	switch c.Kind {
	case CredentialStaticKey:
		h.Set("X-Hume-Api-Key", c.Value)
	case CredentialBearer:
		h.Set("Authorization", c.Scheme+" "+c.Value)
	}
}

// applyQuery adds the credential to a socket URL query; browsers and some
// proxies cannot set handshake headers.
func (c Credential) applyQuery(q url.Values) {
	switch c.Kind {
	case CredentialStaticKey:
		q.Set("api_key", c.Value)
	case CredentialBearer:
		q.Set("access_token", c.Value)
	}
}

func (c Credential) String() string {
	switch c.Kind {
	case CredentialStaticKey:
		return "StaticKey(****)"
	case CredentialBearer:
		return fmt.Sprintf("BearerToken(%s ****, expires %s)", c.Scheme, c.ExpiresAt.Format(time.RFC3339))
	default:
		return "Credential(none)"
	}
}

// TokenRefresher obtains a fresh bearer credential, usually over the network.
type TokenRefresher interface {
	Refresh(ctx context.Context) (Credential, error)
}

// RefresherFunc adapts a function to TokenRefresher.
type RefresherFunc func(ctx context.Context) (Credential, error)

// Refresh calls f(ctx).
func (f RefresherFunc) Refresh(ctx context.Context) (Credential, error) { return f(ctx) }

const (
	// DefaultRefreshMargin is the minimum remaining lifetime before a refresh.
	DefaultRefreshMargin = 30 * time.Second
	// DefaultRefreshFraction is the share of the lifetime that triggers a refresh.
	DefaultRefreshFraction = 0.1
)

// Authenticator holds the credential shared by the request executor and
// sessions. Credential never blocks on the network; RefreshIfNeeded may.
type Authenticator struct {
	mu        sync.RWMutex
	cred      Credential
	refresher TokenRefresher

	margin   time.Duration
	fraction float64
	now      func() time.Time

	group singleflight.Group
	log   logSink
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithRefresher sets the source of replacement bearer tokens.
func WithRefresher(r TokenRefresher) AuthOption {
	return func(a *Authenticator) { a.refresher = r }
}

// WithRefreshMargin refreshes when less than max(fraction*lifetime, margin) remains.
func WithRefreshMargin(margin time.Duration, fraction float64) AuthOption {
	return func(a *Authenticator) {
		a.margin = margin
		a.fraction = fraction
	}
}

func withClock(now func() time.Time) AuthOption {
	return func(a *Authenticator) { a.now = now }
}

// NewAuthenticator creates an Authenticator holding cred.
func NewAuthenticator(cred Credential, opts ...AuthOption) *Authenticator {
	a := &Authenticator{
		cred:     cred,
		margin:   DefaultRefreshMargin,
		fraction: DefaultRefreshFraction,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Credential returns the held credential. It fails with AuthUnconfigured when
// none was supplied and AuthExpired when the bearer token has lapsed. Calling
// it twice without an intervening expiry returns the identical value.
func (a *Authenticator) Credential() (Credential, error) {
	if a == nil {
		return Credential{}, &AuthError{Kind: AuthUnconfigured}
	}
	a.mu.RLock()
	c := a.cred
	a.mu.RUnlock()

	if c.Kind == CredentialNone || c.Value == "" {
		return Credential{}, &AuthError{Kind: AuthUnconfigured}
	}
	if c.Expired(a.now()) {
		return Credential{}, &AuthError{Kind: AuthExpired}
	}
	return c, nil
}

// Set replaces the held credential.
func (a *Authenticator) Set(c Credential) {
	a.mu.Lock()
	a.cred = c
	a.mu.Unlock()
}

func (a *Authenticator) needsRefresh(c Credential, now time.Time) bool {
	if c.Kind != CredentialBearer || c.ExpiresAt.IsZero() {
		return false
	}
	window := time.Duration(float64(c.Lifetime()) * a.fraction)
	if window < a.margin {
		window = a.margin
	}
	return c.ExpiresAt.Sub(now) < window
}

// RefreshIfNeeded returns a usable credential, refreshing the bearer token
// first when it is inside the refresh window. Concurrent callers share one
// in-flight refresh. If the refresh fails while the old token is still valid,
// the old token is returned; once it has lapsed the call fails with
// AuthExpired.
func (a *Authenticator) RefreshIfNeeded(ctx context.Context) (Credential, error) {
	if a == nil {
		return Credential{}, &AuthError{Kind: AuthUnconfigured}
	}
	a.mu.RLock()
	c := a.cred
	a.mu.RUnlock()

	if c.Kind == CredentialNone || c.Value == "" {
		return Credential{}, &AuthError{Kind: AuthUnconfigured}
	}
	if !a.needsRefresh(c, a.now()) {
		return a.Credential()
	}
	if a.refresher == nil {
		return a.Credential()
	}

	ch := a.group.DoChan("refresh", func() (any, error) {
		// Another caller may have refreshed while we waited to enter.
		a.mu.RLock()
		cur := a.cred
		a.mu.RUnlock()
		if !a.needsRefresh(cur, a.now()) {
			return cur, nil
		}
		fresh, err := a.refresher.Refresh(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if fresh.Kind != CredentialBearer || fresh.Value == "" {
			return nil, fmt.Errorf("refresher returned an unusable credential")
		}
		a.Set(fresh)
		a.log.info("credential_refreshed", map[string]any{"expires_at": fresh.ExpiresAt})
		return fresh, nil
	})

	select {
	case <-ctx.Done():
		return Credential{}, &CancelledError{Err: ctx.Err()}
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(Credential), nil
		}
		a.log.warn("credential_refresh_failed", map[string]any{"err": res.Err})
		if c, err := a.Credential(); err == nil {
			return c, nil
		}
		return Credential{}, &AuthError{Kind: AuthExpired, Cause: res.Err}
	}
}
