// Package identity signs sessions in, either anonymously or with a signed
// token, and tells listeners when the signed-in identity changes.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperr "github.com/ariefcatur/go-realtime-storefront/internal/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var signingMethod = jwt.SigningMethodHS256

type Identity struct {
	SessionID string    `json:"sessionId"`
	Anonymous bool      `json:"anonymous"`
	SignedIn  time.Time `json:"signedInAt"`
}

type Authenticator interface {
	SignInAnonymous(ctx context.Context) (Identity, error)
	SignInWithToken(ctx context.Context, token string) (Identity, error)
}

type ProviderOptions struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// Provider issues anonymous session ids and verifies HS256 session tokens
// whose subject is the session id.
type Provider struct {
	opts ProviderOptions
	now  func() time.Time
}

var _ Authenticator = (*Provider)(nil)

func NewProvider(opts ProviderOptions) *Provider {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	return &Provider{opts: opts, now: time.Now}
}

func (p *Provider) SignInAnonymous(ctx context.Context) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, apperr.Wrap(apperr.CodeAuthFailure, err, "anonymous sign-in aborted")
	}
	return Identity{SessionID: uuid.NewString(), Anonymous: true, SignedIn: p.now().UTC()}, nil
}

func (p *Provider) SignInWithToken(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, apperr.Wrap(apperr.CodeAuthFailure, err, "token sign-in aborted")
	}
	if p.opts.Secret == "" {
		return Identity{}, apperr.New(apperr.CodeAuthFailure, "token sign-in is not configured")
	}

	claims := &jwt.RegisteredClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithTimeFunc(p.now),
	}
	if p.opts.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.opts.Issuer))
	}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != signingMethod {
			return nil, fmt.Errorf("unexpected signing method %s", t.Header["alg"])
		}
		return []byte(p.opts.Secret), nil
	}, opts...)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.CodeAuthFailure, err, "invalid session token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, apperr.New(apperr.CodeAuthFailure, "session token has no subject")
	}
	return Identity{SessionID: claims.Subject, SignedIn: p.now().UTC()}, nil
}

// IssueToken mints a token that signs back into sessionID.
func (p *Provider) IssueToken(sessionID string) (string, error) {
	if p.opts.Secret == "" {
		return "", fmt.Errorf("token secret is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("session id is required")
	}
	now := p.now()
	claims := jwt.RegisteredClaims{
		Subject:   sessionID,
		Issuer:    p.opts.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.opts.TTL)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString([]byte(p.opts.Secret))
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

// Auth tracks the identity of one session.
type Auth struct {
	authn Authenticator

	mu        sync.Mutex
	current   *Identity
	listeners map[int]func(*Identity)
	nextID    int
}

func NewAuth(authn Authenticator) *Auth {
	return &Auth{authn: authn, listeners: map[int]func(*Identity){}}
}

// SignIn uses token when one is given and signs in anonymously otherwise.
func (a *Auth) SignIn(ctx context.Context, token string) (Identity, error) {
	var (
		id  Identity
		err error
	)
	if strings.TrimSpace(token) != "" {
		id, err = a.authn.SignInWithToken(ctx, token)
	} else {
		id, err = a.authn.SignInAnonymous(ctx)
	}
	if err != nil {
		if apperr.As(err) == nil {
			err = apperr.Wrap(apperr.CodeAuthFailure, err, "sign-in failed")
		}
		return Identity{}, err
	}
	a.set(&id)
	return id, nil
}

func (a *Auth) SignOut() {
	a.set(nil)
}

func (a *Auth) Current() (Identity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return Identity{}, false
	}
	return *a.current, true
}

// OnAuthStateChange calls fn now with the current identity (nil when signed
// out) and again after every change, until the returned func is called.
func (a *Auth) OnAuthStateChange(fn func(*Identity)) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	cur := a.snapshot()
	a.mu.Unlock()

	fn(cur)

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.listeners, id)
			a.mu.Unlock()
		})
	}
}

func (a *Auth) set(id *Identity) {
	a.mu.Lock()
	a.current = id
	cur := a.snapshot()
	fns := make([]func(*Identity), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(cur)
	}
}

func (a *Auth) snapshot() *Identity {
	if a.current == nil {
		return nil
	}
	c := *a.current
	return &c
}
