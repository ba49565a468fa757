package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maypok86/otter"

	"github.com/firezone/firezone-sub012/internal/model"
	"github.com/firezone/firezone-sub012/internal/store"
)

// ErrInvalidToken covers every authentication failure at the socket
// boundary: bad signature, expired, revoked, or malformed. Callers get no
// finer detail than a 401.
var ErrInvalidToken = errors.New("transport: invalid token")

const (
	tokenCacheSize = 16384
	tokenCacheTTL  = time.Minute
)

// TokenAuthenticator verifies the encoded socket tokens presented on
// connect. The token is an HS256 JWT whose subject is the token row id;
// the row must still be live in the database, so revocation takes effect
// within the cache TTL even for already-verified strings.
type TokenAuthenticator struct {
	store  *store.Store
	secret []byte
	cache  otter.Cache[string, *model.Token]
}

func NewTokenAuthenticator(st *store.Store, secretKeyBase string) *TokenAuthenticator {
	cache, err := otter.MustBuilder[string, *model.Token](tokenCacheSize).
		Cost(func(_ string, _ *model.Token) uint32 { return 1 }).
		WithTTL(tokenCacheTTL).
		Build()
	if err != nil {
		panic("transport: failed to create token cache: " + err.Error())
	}
	return &TokenAuthenticator{store: st, secret: []byte(secretKeyBase), cache: cache}
}

// Authenticate verifies an encoded token and returns its database row.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, encoded string) (*model.Token, error) {
	if encoded == "" {
		return nil, ErrInvalidToken
	}
	if t, ok := a.cache.Get(encoded); ok {
		if !t.ExpiresAt.IsZero() && !t.ExpiresAt.After(time.Now()) {
			a.cache.Delete(encoded)
			return nil, ErrInvalidToken
		}
		return t, nil
	}

	tokenID, err := a.verify(encoded)
	if err != nil {
		return nil, ErrInvalidToken
	}
	t, err := a.store.TokenByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	a.cache.Set(encoded, t)
	return t, nil
}

// verify checks the JWT signature and extracts the token row id from the
// subject claim.
func (a *TokenAuthenticator) verify(encoded string) (model.ID, error) {
	token, err := jwt.Parse(encoded, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("transport: unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return model.ZeroID, ErrInvalidToken
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return model.ZeroID, ErrInvalidToken
	}
	id, err := model.ParseID(sub)
	if err != nil {
		return model.ZeroID, ErrInvalidToken
	}
	return id, nil
}
