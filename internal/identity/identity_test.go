package identity

import (
	"context"
	"testing"
	"time"

	apperr "github.com/ariefcatur/go-realtime-storefront/internal/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProvider() *Provider {
	return NewProvider(ProviderOptions{Secret: "s3cret", Issuer: "storefront", TTL: time.Hour})
}

func TestTokenRoundTrip(t *testing.T) {
	p := testProvider()
	token, err := p.IssueToken("session-42")
	require.NoError(t, err)

	id, err := p.SignInWithToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "session-42", id.SessionID)
	assert.False(t, id.Anonymous)
}

func TestTokenRejections(t *testing.T) {
	p := testProvider()
	ctx := context.Background()

	other := NewProvider(ProviderOptions{Secret: "other", Issuer: "storefront"})
	foreign, err := other.IssueToken("s1")
	require.NoError(t, err)

	wrongIssuer := NewProvider(ProviderOptions{Secret: "s3cret", Issuer: "elsewhere"})
	misissued, err := wrongIssuer.IssueToken("s1")
	require.NoError(t, err)

	expiredProvider := testProvider()
	expiredProvider.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredProvider.IssueToken("s1")
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: "storefront"}).
		SignedString([]byte("s3cret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": foreign,
		"wrong issuer": misissued,
		"expired":      expired,
		"no subject":   noSubject,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := p.SignInWithToken(ctx, token)
			require.Error(t, err)
			assert.True(t, apperr.HasCode(err, apperr.CodeAuthFailure))
		})
	}
}

func TestTokenSignInWithoutSecret(t *testing.T) {
	p := NewProvider(ProviderOptions{})
	_, err := p.SignInWithToken(context.Background(), "x")
	assert.True(t, apperr.HasCode(err, apperr.CodeAuthFailure))

	_, err = p.IssueToken("s1")
	assert.Error(t, err)
}

func TestAuthPrefersToken(t *testing.T) {
	p := testProvider()
	token, err := p.IssueToken("known")
	require.NoError(t, err)

	a := NewAuth(p)
	id, err := a.SignIn(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "known", id.SessionID)

	b := NewAuth(p)
	anon, err := b.SignIn(context.Background(), "  ")
	require.NoError(t, err)
	assert.True(t, anon.Anonymous)
	assert.NotEmpty(t, anon.SessionID)
}

func TestAuthFailureLeavesSignedOut(t *testing.T) {
	a := NewAuth(testProvider())
	_, err := a.SignIn(context.Background(), "bogus")
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeAuthFailure))

	_, ok := a.Current()
	assert.False(t, ok)
}

func TestOnAuthStateChange(t *testing.T) {
	a := NewAuth(testProvider())

	var seen []*Identity
	unsub := a.OnAuthStateChange(func(id *Identity) { seen = append(seen, id) })
	require.Len(t, seen, 1)
	assert.Nil(t, seen[0])

	id, err := a.SignIn(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, id.SessionID, seen[1].SessionID)

	a.SignOut()
	require.Len(t, seen, 3)
	assert.Nil(t, seen[2])

	unsub()
	unsub()
	_, err = a.SignIn(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, seen, 3)
}
