// Package credential supplies the bearer token used to authenticate the
// game connection. Acquiring the token (the login call) happens elsewhere;
// providers here only hand out what was stored, and report expired tokens
// as empty.
package credential

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/kasuganosora/guidegame/client/cache"
)

// Key is the cache key the credential is stored under.
const Key = "guide:credential"

// Provider returns the current credential, or "" when there is none or it
// has expired.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Static always returns the same token, unless it has expired.
type Static string

func (s Static) Token(_ context.Context) (string, error) {
	if Expired(string(s), time.Now()) {
		return "", nil
	}
	return string(s), nil
}

// CacheProvider reads the credential from the cache.
type CacheProvider struct {
	c   cache.Cache
	now func() time.Time
}

func NewCacheProvider(c cache.Cache) *CacheProvider {
	return &CacheProvider{c: c, now: time.Now}
}

func (p *CacheProvider) Token(ctx context.Context) (string, error) {
	tok, err := p.c.Get(ctx, Key)
	if cache.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "load credential")
	}
	if Expired(tok, p.now()) {
		return "", nil
	}
	return tok, nil
}

// Save stores a credential. The cache entry expires with the token when the
// token carries an exp claim.
func Save(ctx context.Context, c cache.Cache, token string) error {
	var ttl time.Duration
	if exp, ok := expiry(token); ok {
		ttl = time.Until(exp)
		if ttl <= 0 {
			return errors.New("credential already expired")
		}
	}
	return errors.Wrap(c.Set(ctx, Key, token, ttl), "save credential")
}

// Clear removes the stored credential (logout).
func Clear(ctx context.Context, c cache.Cache) error {
	return c.Del(ctx, Key)
}

// Expired reports whether token is a JWT whose exp claim is at or before
// now. Opaque tokens and tokens without exp never expire. The signature is
// not checked; the server does that.
func Expired(token string, now time.Time) bool {
	if token == "" {
		return true
	}
	exp, ok := expiry(token)
	return ok && !now.Before(exp)
}

func expiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
