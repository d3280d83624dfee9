package hume

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const pathToken = "/oauth2-cc/token"

// AccessToken is the response of the client-credentials token endpoint.
type AccessToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
	IssuedAt    int64  `json:"issued_at,omitempty"`

	// Expiry is the absolute expiry computed when the token was received.
	Expiry time.Time `json:"-"`
}

// Credential converts t to a bearer credential.
func (t AccessToken) Credential() Credential {
	c := BearerToken(t.AccessToken, t.TokenType, time.Duration(t.ExpiresIn)*time.Second)
	switch {
	case t.IssuedAt > 0:
		c.IssuedAt = time.Unix(t.IssuedAt, 0)
		if t.ExpiresIn > 0 {
			c.ExpiresAt = c.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
		}
	case !t.Expiry.IsZero():
		c.ExpiresAt = t.Expiry
	}
	return c
}

// ClientCredentials mints access tokens from an API key and secret key. It
// implements TokenRefresher, so it can keep a Client's bearer token fresh.
// The secret must stay server-side; hand the minted tokens to browsers.
type ClientCredentials struct {
	BaseURL    string // Default: DefaultBaseURL
	APIKey     string
	SecretKey  string
	HTTPClient *http.Client // Default: 15 second timeout
}

// Refresh implements TokenRefresher.
func (cc *ClientCredentials) Refresh(ctx context.Context) (Credential, error) {
	tok, err := cc.Token(ctx)
	if err != nil {
		return Credential{}, err
	}
	return tok.Credential(), nil
}

// Token requests a new access token with the OAuth2 client-credentials
// grant, sending the keys as HTTP basic auth.
func (cc *ClientCredentials) Token(ctx context.Context) (*AccessToken, error) {
	if cc.APIKey == "" || cc.SecretKey == "" {
		return nil, &AuthError{Kind: AuthUnconfigured}
	}
	base := cc.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	endpoint := strings.TrimRight(base, "/") + pathToken

	conf := clientcredentials.Config{
		ClientID:     cc.APIKey,
		ClientSecret: cc.SecretKey,
		TokenURL:     endpoint,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	hc := cc.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	tok, err := conf.Token(context.WithValue(ctx, oauth2.HTTPClient, hc))
	if err != nil {
		return nil, tokenError(ctx, endpoint, err)
	}

	out := &AccessToken{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
		ExpiresIn:   extraInt(tok, "expires_in"),
		IssuedAt:    extraInt(tok, "issued_at"),
		Expiry:      tok.Expiry,
	}
	if out.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		out.ExpiresIn = int64(time.Until(tok.Expiry) / time.Second)
	}
	return out, nil
}

// tokenError classifies a failed token exchange.
func tokenError(ctx context.Context, endpoint string, err error) error {
	if ctxErr := cancelled(ctx); ctxErr != nil {
		return ctxErr
	}
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		status := http.StatusBadGateway
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		return newAPIError(status, rErr.Body)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &TransportError{Op: "token", URL: endpoint, Err: err}
	}
	return &DecodeError{What: "access token", Err: err}
}

// extraInt reads a numeric field of the raw token response.
func extraInt(tok *oauth2.Token, key string) int64 {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}
