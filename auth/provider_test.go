package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"library-circulation/library"
)

type recorder struct {
	mu     sync.Mutex
	events []EventType
}

func (r *recorder) listen(t EventType, _ *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
}

func (r *recorder) all() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventType(nil), r.events...)
}

func newTestProvider(t *testing.T, opts ...Option) (*LocalProvider, *library.Database, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := library.NewDatabase(filepath.Join(dir, "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tokenFile := filepath.Join(dir, "session", "token")
	tokens := NewTokenService("test-secret", "library-test", time.Hour)
	opts = append([]Option{WithTokenFile(tokenFile), WithBcryptCost(4)}, opts...)
	return NewLocalProvider(db, tokens, opts...), db, tokenFile
}

func TestSignUpAndSignIn(t *testing.T) {
	ctx := context.Background()
	p, db, tokenFile := newTestProvider(t)

	s, err := p.SignUp(ctx, " Ada@Example.com ", "correct horse", "")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", s.Email)
	assert.NotEmpty(t, s.AccessToken)

	profile, err := db.Profile(ctx, s.UserID)
	require.NoError(t, err)
	assert.Equal(t, "ada", profile.DisplayName)
	assert.Equal(t, library.RoleUser, profile.Role)

	info, err := os.Stat(tokenFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = p.SignInWithPassword(ctx, "ada@example.com", "wrong password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = p.SignInWithPassword(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	again, err := p.SignInWithPassword(ctx, "ADA@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, s.UserID, again.UserID)
}

func TestUnknownEmailUsesProviderCost(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestProvider(t, WithBcryptCost(6))

	_, err := p.SignInWithPassword(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	cost, err := bcrypt.Cost(p.unknownEmailHash())
	require.NoError(t, err)
	assert.Equal(t, 6, cost)
}

func TestSignUpValidation(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestProvider(t)

	_, err := p.SignUp(ctx, "not-an-email", "long enough", "")
	assert.ErrorIs(t, err, ErrInvalidEmail)
	_, err = p.SignUp(ctx, "short@example.com", "short", "")
	assert.ErrorIs(t, err, ErrWeakPassword)

	_, err = p.SignUp(ctx, "twice@example.com", "long enough", "")
	require.NoError(t, err)
	_, err = p.SignUp(ctx, "Twice@example.com", "long enough", "")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestSessionRestoredFromTokenFile(t *testing.T) {
	ctx := context.Background()
	p, db, tokenFile := newTestProvider(t)
	s, err := p.SignUp(ctx, "grace@example.com", "hopper1906", "Grace")
	require.NoError(t, err)

	// A second process sharing the token file.
	restarted := NewLocalProvider(db, NewTokenService("test-secret", "library-test", time.Hour),
		WithTokenFile(tokenFile))
	got, err := restarted.Session(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.UserID, got.UserID)
	assert.Equal(t, "grace@example.com", got.Email)
}

func TestExpiredTokenIsDiscarded(t *testing.T) {
	ctx := context.Background()
	p, db, tokenFile := newTestProvider(t)
	_, err := p.SignUp(ctx, "old@example.com", "long enough", "")
	require.NoError(t, err)

	later := NewTokenService("test-secret", "library-test", time.Hour)
	later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	restarted := NewLocalProvider(db, later, WithTokenFile(tokenFile))

	got, err := restarted.Session(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
	_, err = os.Stat(tokenFile)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestAuthStateEvents(t *testing.T) {
	ctx := context.Background()
	p, _, tokenFile := newTestProvider(t)
	rec := &recorder{}
	unsubscribe := p.OnAuthStateChange(rec.listen)

	_, err := p.SignUp(ctx, "events@example.com", "long enough", "")
	require.NoError(t, err)
	_, err = p.Refresh(ctx)
	require.NoError(t, err)
	require.NoError(t, p.SignOut(ctx))

	assert.Equal(t, []EventType{SignedIn, TokenRefreshed, SignedOut}, rec.all())
	_, err = os.Stat(tokenFile)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	s, err := p.Session(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)
	_, err = p.Refresh(ctx)
	assert.ErrorIs(t, err, ErrNoSession)

	unsubscribe()
	unsubscribe()
	_, err = p.SignInWithPassword(ctx, "events@example.com", "long enough")
	require.NoError(t, err)
	assert.Len(t, rec.all(), 3)
}

func TestSignInWithProvider(t *testing.T) {
	ctx := context.Background()
	github := IdentityProviderFunc("github", func(context.Context) (*Identity, error) {
		return &Identity{Subject: "gh-1", Email: "Linus@Example.com", DisplayName: "Linus"}, nil
	})
	broken := IdentityProviderFunc("broken", func(context.Context) (*Identity, error) {
		return nil, errors.New("device flow timed out")
	})
	p, db, _ := newTestProvider(t, WithIdentityProvider(github), WithIdentityProvider(broken))

	_, err := p.SignInWithProvider(ctx, "gitlab")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	_, err = p.SignInWithProvider(ctx, "broken")
	assert.ErrorContains(t, err, "device flow timed out")

	first, err := p.SignInWithProvider(ctx, "github")
	require.NoError(t, err)
	profile, err := db.Profile(ctx, first.UserID)
	require.NoError(t, err)
	assert.Equal(t, "linus@example.com", profile.Email)
	assert.Equal(t, "Linus", profile.DisplayName)

	second, err := p.SignInWithProvider(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, first.UserID, second.UserID)
}

func TestSignInWithProviderLinksExistingEmail(t *testing.T) {
	ctx := context.Background()
	google := IdentityProviderFunc("google", func(context.Context) (*Identity, error) {
		return &Identity{Subject: "g-42", Email: "margaret@example.com"}, nil
	})
	p, db, _ := newTestProvider(t, WithIdentityProvider(google))

	local, err := p.SignUp(ctx, "margaret@example.com", "apollo1969", "Margaret")
	require.NoError(t, err)

	linked, err := p.SignInWithProvider(ctx, "google")
	require.NoError(t, err)
	assert.Equal(t, local.UserID, linked.UserID)

	cred, err := db.Credential(ctx, "google", "g-42")
	require.NoError(t, err)
	assert.Equal(t, local.UserID, cred.UserID)
}

func TestTokenService(t *testing.T) {
	svc := NewTokenService("secret", "issuer", time.Minute)
	token, expires, err := svc.Issue("user-1", "u@example.com")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expires, 5*time.Second)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "u@example.com", claims.Email)

	other := NewTokenService("other-secret", "issuer", time.Minute)
	_, err = other.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer := NewTokenService("secret", "someone-else", time.Minute)
	_, err = wrongIssuer.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = svc.Validate("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
