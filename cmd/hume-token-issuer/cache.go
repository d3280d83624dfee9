package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/enesunal-m/hume"
)

// tokenCache shares one minted token between issuer replicas through Redis,
// so a burst of browser sessions costs a single upstream token call. Redis
// failures fall through to minting.
type tokenCache struct {
	rdb    *redis.Client
	key    string
	next   tokenMinter
	margin time.Duration // tokens closer than this to expiry are not served
	log    *hume.Logger
	now    func() time.Time
	group  singleflight.Group
}

type cachedToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   int64  `json:"expires_at"` // unix seconds
}

func newTokenCache(rdb *redis.Client, key string, next tokenMinter, log *hume.Logger) *tokenCache {
	return &tokenCache{rdb: rdb, key: key, next: next, margin: time.Minute, log: log, now: time.Now}
}

// Token implements tokenMinter.
func (c *tokenCache) Token(ctx context.Context) (*hume.AccessToken, error) {
	if tok, ok := c.lookup(ctx); ok {
		return tok, nil
	}
	v, err, _ := c.group.Do(c.key, func() (any, error) {
		if tok, ok := c.lookup(ctx); ok {
			return tok, nil
		}
		return c.mint(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*hume.AccessToken), nil
}

func (c *tokenCache) lookup(ctx context.Context) (*hume.AccessToken, bool) {
	raw, err := c.rdb.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.Warn("cache_get_failed", map[string]any{"key": c.key, "err": err})
		return nil, false
	}
	var ct cachedToken
	if err := json.Unmarshal(raw, &ct); err != nil {
		c.log.Warn("cache_entry_invalid", map[string]any{"key": c.key, "err": err})
		return nil, false
	}
	remaining := time.Unix(ct.ExpiresAt, 0).Sub(c.now())
	if remaining <= c.margin {
		return nil, false
	}
	return &hume.AccessToken{
		AccessToken: ct.AccessToken,
		TokenType:   ct.TokenType,
		ExpiresIn:   int64(remaining / time.Second),
	}, true
}

func (c *tokenCache) mint(ctx context.Context) (*hume.AccessToken, error) {
	tok, err := c.next.Token(ctx)
	if err != nil {
		return nil, err
	}
	lifetime := time.Duration(tok.ExpiresIn) * time.Second
	ttl := lifetime - c.margin
	if ttl <= 0 {
		return tok, nil
	}
	raw, err := json.Marshal(cachedToken{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresAt:   c.now().Add(lifetime).Unix(),
	})
	if err != nil {
		return tok, nil
	}
	if err := c.rdb.Set(ctx, c.key, raw, ttl).Err(); err != nil {
		c.log.Warn("cache_set_failed", map[string]any{"key": c.key, "err": err})
	}
	return tok, nil
}
