package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	oidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/enesunal-m/hume"
)

type tokenMinter interface {
	Token(ctx context.Context) (*hume.AccessToken, error)
}

// callerVerifier authenticates the bearer token presented by a caller.
type callerVerifier interface {
	verify(ctx context.Context, raw string) error
	close()
}

type server struct {
	minter         tokenMinter
	verifier       callerVerifier // nil disables caller authentication
	allowedOrigins []string
	log            *hume.Logger
	issued         *prometheus.CounterVec
}

// TokenResponse is the body returned by /token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func newIssuedCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	return promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "hume_token_issuer",
		Name:      "tokens_total",
		Help:      "Token requests by outcome.",
	}, []string{"outcome"})
}

func (s *server) routes(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(s.cors)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/token", s.handleToken)
		r.Post("/token", s.handleToken)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			s.log.Warn("healthz_write_failed", map[string]any{"err": err})
		}
	})
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}
	return r
}

func (s *server) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	tok, err := s.minter.Token(ctx)
	if err != nil {
		s.count("mint_failed")
		s.log.Error("mint_failed", map[string]any{"err": err})
		http.Error(w, "mint failed", http.StatusBadGateway)
		return
	}
	s.count("issued")
	s.log.Debug("token_issued", map[string]any{"expires_in": tok.ExpiresIn, "remote": r.RemoteAddr})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresIn:   tok.ExpiresIn,
	}); err != nil {
		s.log.Warn("token_write_failed", map[string]any{"err": err})
	}
}

func (s *server) count(outcome string) {
	if s.issued != nil {
		s.issued.WithLabelValues(outcome).Inc()
	}
}

// auth requires a valid bearer token when a verifier is configured.
func (s *server) auth(next http.Handler) http.Handler {
	if s.verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		h := r.Header.Get("Authorization")
		if len(h) < len("Bearer ") || !strings.EqualFold(h[:len("Bearer ")], "bearer ") {
			s.count("unauthorized")
			http.Error(w, "missing bearer", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimSpace(h[len("Bearer "):])
		if err := s.verifier.verify(r.Context(), raw); err != nil {
			s.count("unauthorized")
			s.log.Info("caller_rejected", map[string]any{"err": err, "remote": r.RemoteAddr})
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) originAllowed(origin string) bool {
	return len(s.allowedOrigins) == 0 || slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
}

// newVerifier discovers the issuer and returns an ID token or access token
// verifier depending on tokenType.
func newVerifier(ctx context.Context, issuer, audience, tokenType string) (callerVerifier, error) {
	prov, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	switch tokenType {
	case "id":
		return &idTokenVerifier{v: prov.Verifier(&oidc.Config{ClientID: audience})}, nil
	case "access", "":
		var disc struct {
			JWKSURI string `json:"jwks_uri"`
		}
		if err := prov.Claims(&disc); err != nil {
			return nil, fmt.Errorf("discover jwks_uri: %w", err)
		}
		if disc.JWKSURI == "" {
			return nil, errors.New("discover jwks_uri: issuer metadata has no jwks_uri")
		}
		jwks, err := keyfunc.Get(disc.JWKSURI, keyfunc.Options{
			RefreshInterval: time.Hour,
			RefreshTimeout:  10 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		return newAccessTokenVerifier(jwks, issuer, audience), nil
	default:
		return nil, fmt.Errorf("unknown token type %q, want id or access", tokenType)
	}
}

type idTokenVerifier struct {
	v *oidc.IDTokenVerifier
}

func (v *idTokenVerifier) verify(ctx context.Context, raw string) error {
	_, err := v.v.Verify(ctx, raw)
	return err
}

func (v *idTokenVerifier) close() {}

type accessTokenVerifier struct {
	jwks     *keyfunc.JWKS
	issuer   string
	audience string
}

func newAccessTokenVerifier(jwks *keyfunc.JWKS, issuer, audience string) *accessTokenVerifier {
	return &accessTokenVerifier{jwks: jwks, issuer: issuer, audience: audience}
}

func (v *accessTokenVerifier) verify(_ context.Context, raw string) error {
	tok, err := jwt.Parse(raw, v.jwks.Keyfunc, jwt.WithAudience(v.audience), jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return err
	}
	if !tok.Valid {
		return errors.New("token is not valid")
	}
	return nil
}

func (v *accessTokenVerifier) close() { v.jwks.EndBackground() }
