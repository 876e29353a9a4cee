package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	// DefaultJWKSURL publishes the signing keys of Microsoft identity tokens
	DefaultJWKSURL = "https://login.microsoftonline.com/common/discovery/v2.0/keys"
	// graphNotificationAppID is the azp of tokens minted for Graph change notifications
	graphNotificationAppID = "0bf30f3b-4a52-48df-9a82-234910c4a086"
)

// KeySource supplies the key set tokens are verified against
type KeySource interface {
	KeySet(ctx context.Context) (jwk.Set, error)
}

// CachedKeys fetches a JWKS and refreshes it in the background
type CachedKeys struct {
	url   string
	cache *jwk.Cache
}

// NewCachedKeys registers url with a refreshing cache and warms it
func NewCachedKeys(ctx context.Context, url string, refresh time.Duration) (*CachedKeys, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(url, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warm, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warm, url); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	return &CachedKeys{url: url, cache: cache}, nil
}

func (k *CachedKeys) KeySet(ctx context.Context) (jwk.Set, error) {
	return k.cache.Get(ctx, k.url)
}

// StaticKeys serves a fixed key set
type StaticKeys struct {
	Set jwk.Set
}

func (k StaticKeys) KeySet(context.Context) (jwk.Set, error) {
	return k.Set, nil
}

// TokenValidator verifies Graph validation tokens: signature against the
// identity platform keys, lifetime, audience equal to the application id and
// the Graph notification publisher as azp.
type TokenValidator struct {
	keys  KeySource
	appID string
	clock jwt.Clock
}

func NewTokenValidator(keys KeySource, appID string) *TokenValidator {
	return &TokenValidator{keys: keys, appID: appID, clock: jwt.ClockFunc(time.Now)}
}

func (v *TokenValidator) Validate(ctx context.Context, tokens []string) error {
	set, err := v.keys.KeySet(ctx)
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}

	for i, raw := range tokens {
		_, err := jwt.Parse([]byte(raw),
			// identity platform keys carry no "alg"
			jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)),
			jwt.WithValidate(true),
			jwt.WithClock(v.clock),
			jwt.WithAcceptableSkew(5*time.Minute),
			jwt.WithAudience(v.appID),
			jwt.WithClaimValue("azp", graphNotificationAppID),
		)
		if err != nil {
			return fmt.Errorf("validation token %d: %w", i, err)
		}
	}
	return nil
}
