// Command hume-token-issuer mints short-lived access tokens for browser
// clients so the API secret never leaves the server. Callers can be required
// to present an OIDC ID token or a JWT access token.
//
// Usage:
//
//	hume-token-issuer --addr :8080 --oidc-issuer https://login.example.com --oidc-audience api://voice
//
// Every flag can also be set through the environment variable shown in its
// help text. HUME_API_KEY and HUME_SECRET_KEY are required. With --redis-url,
// replicas share one minted token until shortly before it expires.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/enesunal-m/hume"
	"github.com/enesunal-m/hume/metrics"
)

type options struct {
	addr           string
	baseURL        string
	apiKey         string
	secretKey      string
	oidcIssuer     string
	oidcAudience   string
	tokenType      string
	allowedOrigins string
	logLevel       string
	redisURL       string
	cacheKey       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:           "hume-token-issuer",
		Short:         "Mint short-lived access tokens for browser clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", env("ADDR", ":8080"), "listen address (ADDR)")
	f.StringVar(&o.baseURL, "base-url", env("HUME_BASE_URL", hume.DefaultBaseURL), "API base URL (HUME_BASE_URL)")
	f.StringVar(&o.apiKey, "api-key", os.Getenv("HUME_API_KEY"), "API key (HUME_API_KEY)")
	f.StringVar(&o.secretKey, "secret-key", os.Getenv("HUME_SECRET_KEY"), "secret key (HUME_SECRET_KEY)")
	f.StringVar(&o.oidcIssuer, "oidc-issuer", os.Getenv("OIDC_ISSUER"), "OIDC issuer; empty disables caller authentication (OIDC_ISSUER)")
	f.StringVar(&o.oidcAudience, "oidc-audience", os.Getenv("OIDC_AUDIENCE"), "expected token audience (OIDC_AUDIENCE)")
	f.StringVar(&o.tokenType, "oidc-token-type", env("OIDC_TOKEN_TYPE", "access"), `caller token type, "id" or "access" (OIDC_TOKEN_TYPE)`)
	f.StringVar(&o.allowedOrigins, "cors-origins", os.Getenv("CORS_ALLOWED_ORIGINS"), "comma separated allowed origins, * for any (CORS_ALLOWED_ORIGINS)")
	f.StringVar(&o.logLevel, "log-level", env("HUME_LOG_LEVEL", "info"), "debug, info, warn or error (HUME_LOG_LEVEL)")
	f.StringVar(&o.redisURL, "redis-url", os.Getenv("REDIS_URL"), "share minted tokens between replicas through this Redis; empty disables caching (REDIS_URL)")
	f.StringVar(&o.cacheKey, "cache-key", env("TOKEN_CACHE_KEY", "hume-token-issuer:token"), "Redis key of the shared token (TOKEN_CACHE_KEY)")
	return cmd
}

func run(ctx context.Context, o options) error {
	if o.apiKey == "" || o.secretKey == "" {
		return fmt.Errorf("--api-key and --secret-key are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := hume.NewLogger(hume.ParseLogLevel(o.logLevel))
	log.SetPrefix("hume-token-issuer")

	var minter tokenMinter = &hume.ClientCredentials{
		BaseURL:   o.baseURL,
		APIKey:    o.apiKey,
		SecretKey: o.secretKey,
	}
	if o.redisURL != "" {
		opt, err := redis.ParseURL(o.redisURL)
		if err != nil {
			return fmt.Errorf("--redis-url: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis_unreachable", map[string]any{"addr": opt.Addr, "err": err})
		}
		minter = newTokenCache(rdb, o.cacheKey, minter, log)
		log.Info("token_cache_enabled", map[string]any{"addr": opt.Addr, "key": o.cacheKey})
	}

	reg := prometheus.NewRegistry()
	s := &server{
		minter:         minter,
		allowedOrigins: splitCSV(o.allowedOrigins),
		log:            log,
		issued:         newIssuedCounter(reg),
	}

	if o.oidcIssuer != "" {
		if o.oidcAudience == "" {
			return fmt.Errorf("--oidc-audience is required with --oidc-issuer")
		}
		v, err := newVerifier(ctx, o.oidcIssuer, o.oidcAudience, o.tokenType)
		if err != nil {
			return err
		}
		defer v.close()
		s.verifier = v
		log.Info("oidc_enabled", map[string]any{"issuer": o.oidcIssuer, "audience": o.oidcAudience, "token_type": o.tokenType})
	} else {
		log.Warn("oidc_disabled", nil)
	}

	srv := &http.Server{
		Addr:              o.addr,
		Handler:           s.routes(metrics.Handler(reg)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("listening", map[string]any{"addr": o.addr})

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
