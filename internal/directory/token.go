package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alexjbarnes/morse/internal/crypto"
	apperrors "github.com/alexjbarnes/morse/internal/errors"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// refreshMargin renews a token this long before it expires.
	refreshMargin = 30 * time.Second

	// opaqueTokenTTL applies to tokens without a readable exp claim.
	opaqueTokenTTL = time.Minute
)

// TokenSource caches one kind of token for an identity and renews it
// shortly before expiry. Expiry is read from the JWT exp claim without
// verifying the signature; the issuer verifies its own tokens.
type TokenSource struct {
	client *Client
	id     *crypto.Identity
	kind   string
	now    func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewTokenSource creates a TokenSource issuing tokens of kind for id.
func NewTokenSource(client *Client, id *crypto.Identity, kind string) *TokenSource {
	return &TokenSource{client: client, id: id, kind: kind, now: time.Now}
}

// Token returns a cached token or issues a new one.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	if ts.token != "" && now.Before(ts.expiry.Add(-refreshMargin)) {
		return ts.token, nil
	}

	tok, err := ts.client.IssueToken(ctx, ts.id, ts.kind)
	if err != nil {
		ts.token = ""
		return "", err
	}

	ts.token = tok
	ts.expiry = tokenExpiry(tok, now)
	return tok, nil
}

// Invalidate drops the cached token, typically after the server rejected it.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.mu.Unlock()
}

func tokenExpiry(tok string, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return now.Add(opaqueTokenTTL)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return now.Add(opaqueTokenTTL)
	}
	return exp.Time
}

func isAuth(err error) bool {
	return errors.Is(err, apperrors.ErrAuth)
}

func asPeerNotFound(err error) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("%w: %w", apperrors.ErrPeerNotFound, err)
	}
	return err
}
