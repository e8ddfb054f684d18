package gateways

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"payment-service/pkg/common"
)

// tokenRefreshSkew renews the token this long before the gateway says it expires.
const tokenRefreshSkew = 60 * time.Second

type oauthToken struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
	TokenType   string `json:"token_type"`
}

// TokenCache holds a client-credentials token for one gateway and refreshes
// it on demand. Safe for concurrent use.
type TokenCache struct {
	mu        sync.Mutex
	client    *common.HTTPClient
	authUrl   string
	form      url.Values
	token     string
	expiresAt time.Time
	now       func() time.Time
}

func NewTokenCache(client *common.HTTPClient, authUrl string, form url.Values) *TokenCache {
	return &TokenCache{client: client, authUrl: authUrl, form: form, now: time.Now}
}

func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Add(tokenRefreshSkew).Before(c.expiresAt) {
		return c.token, nil
	}

	var tok oauthToken
	if err := c.client.PostForm(ctx, c.authUrl, c.form, nil, &tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access token")
	}

	c.token = tok.AccessToken
	if tok.ExpiresAt > 0 {
		c.expiresAt = time.Unix(tok.ExpiresAt, 0)
	} else {
		c.expiresAt = c.now().Add(time.Hour)
	}
	return c.token, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
