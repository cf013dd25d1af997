package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	// DefaultRefreshInterval is how often the JWKS is polled for new keys.
	DefaultRefreshInterval = 10 * time.Second
	acceptableSkew         = 15 * time.Second
	initialFetchAttempts   = 3
)

// Verifier validates a bearer token and returns its claims. Any error means
// the token must be rejected.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// JWKSVerifier verifies RS/ES-signed tokens against a remote key set that
// is refreshed in the background.
type JWKSVerifier struct {
	url    string
	cache  *jwk.Cache
	logger *slog.Logger

	mu          sync.Mutex
	lastRefresh time.Time
}

// NewJWKSVerifier registers url with a key cache bound to ctx and attempts
// an initial fetch. A failed initial fetch is logged; keys are fetched again
// on the next verification.
func NewJWKSVerifier(ctx context.Context, url string, logger *slog.Logger) (*JWKSVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(url, jwk.WithMinRefreshInterval(DefaultRefreshInterval)); err != nil {
		return nil, fmt.Errorf("could not register JWKS url %s: %w", url, err)
	}

	v := &JWKSVerifier{url: url, cache: cache, logger: logger.With("component", "jwks")}

	delay := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second}
	for attempt := 1; attempt <= initialFetchAttempts; attempt++ {
		_, err := cache.Refresh(ctx, url)
		if err == nil {
			v.lastRefresh = time.Now()
			return v, nil
		}
		v.logger.Warn("could not fetch JWKS", "url", url, "attempt", attempt, "error", err)
		if attempt == initialFetchAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay.Duration()):
		}
	}
	return v, nil
}

// Verify implements Verifier. An unknown key ID triggers one out-of-band
// refresh, rate limited to the refresh interval.
func (v *JWKSVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	set, err := v.cache.Get(ctx, v.url)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: key set unavailable: %v", ErrInvalidToken, err)
	}

	claims, err := parse(token, jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)))
	if err == nil {
		return claims, nil
	}

	if !v.refreshDue() {
		return Claims{}, err
	}
	set, rerr := v.cache.Refresh(ctx, v.url)
	if rerr != nil {
		v.logger.Warn("could not refresh JWKS", "url", v.url, "error", rerr)
		return Claims{}, err
	}
	return parse(token, jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)))
}

func (v *JWKSVerifier) refreshDue() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if time.Since(v.lastRefresh) < DefaultRefreshInterval {
		return false
	}
	v.lastRefresh = time.Now()
	return true
}

// SecretVerifier verifies HS256 tokens against a shared secret. It is meant
// for local development where no JWKS endpoint exists.
type SecretVerifier struct {
	secret []byte
}

// NewSecretVerifier returns a verifier for secret.
func NewSecretVerifier(secret string) (*SecretVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty JWT secret")
	}
	return &SecretVerifier{secret: []byte(secret)}, nil
}

// Verify implements Verifier.
func (v *SecretVerifier) Verify(_ context.Context, token string) (Claims, error) {
	return parse(token, jwt.WithKey(jwa.HS256, v.secret))
}

func parse(token string, opts ...jwt.ParseOption) (Claims, error) {
	opts = append(opts, jwt.WithValidate(true), jwt.WithAcceptableSkew(acceptableSkew))
	tok, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	out := Claims{Subject: tok.Subject()}
	raw, ok := tok.Get(LedgerClaimsKey)
	if !ok {
		return out, nil
	}
	// Round-trip through JSON so any map shape decodes into LedgerClaims.
	b, err := json.Marshal(raw)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: ledger claims: %v", ErrInvalidToken, err)
	}
	var lc LedgerClaims
	if err := json.Unmarshal(b, &lc); err != nil {
		return Claims{}, fmt.Errorf("%w: ledger claims: %v", ErrInvalidToken, err)
	}
	out.Ledger = &lc
	return out, nil
}
