// Package auth is the local authentication provider: password sign-in and
// sign-up with bcrypt hashes, sign-in through registered identity providers,
// and a session token persisted to a file so a restarted process can restore
// the session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"library-circulation/library"
)

const (
	PasswordProvider  = "password"
	minPasswordLength = 8
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email is already registered")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", minPasswordLength)
	ErrUnknownProvider    = errors.New("unknown identity provider")
	ErrNoSession          = errors.New("no active session")
)

// EventType names an auth state change.
type EventType string

const (
	SignedIn       EventType = "SIGNED_IN"
	TokenRefreshed EventType = "TOKEN_REFRESHED"
	SignedOut      EventType = "SIGNED_OUT"
)

// Session is an authenticated identity and its token.
type Session struct {
	UserID      string
	Email       string
	AccessToken string
	ExpiresAt   time.Time
}

// Listener receives auth state changes. The session is nil for SignedOut.
type Listener func(EventType, *Session)

// Identity is what an external provider vouches for.
type Identity struct {
	Subject     string
	Email       string
	DisplayName string
}

// IdentityProvider authenticates a user outside the library, e.g. through
// an OAuth device flow.
type IdentityProvider interface {
	Name() string
	Authenticate(ctx context.Context) (*Identity, error)
}

type identityFunc struct {
	name string
	fn   func(ctx context.Context) (*Identity, error)
}

func (p identityFunc) Name() string { return p.name }

func (p identityFunc) Authenticate(ctx context.Context) (*Identity, error) { return p.fn(ctx) }

// IdentityProviderFunc adapts fn to an IdentityProvider called name.
func IdentityProviderFunc(name string, fn func(ctx context.Context) (*Identity, error)) IdentityProvider {
	return identityFunc{name: name, fn: fn}
}

// Store is the profile and credential storage the provider needs.
type Store interface {
	CreateProfile(ctx context.Context, p library.Profile, cred *library.Credential) (*library.Profile, error)
	Profile(ctx context.Context, id string) (*library.Profile, error)
	ProfileByEmail(ctx context.Context, email string) (*library.Profile, error)
	Credential(ctx context.Context, provider, subject string) (*library.Credential, error)
	AddCredential(ctx context.Context, cred library.Credential) error
}

// LocalProvider implements password and external sign-in against Store.
type LocalProvider struct {
	store      Store
	tokens     *TokenService
	tokenFile  string
	bcryptCost int
	identities map[string]IdentityProvider
	logger     *zap.Logger

	dummyOnce sync.Once
	dummyHash []byte

	mu        sync.Mutex
	current   *Session
	listeners map[int]Listener
	nextID    int
}

// Option configures a LocalProvider.
type Option func(*LocalProvider)

// WithTokenFile persists the session token at path. Without it sessions
// live only as long as the process.
func WithTokenFile(path string) Option {
	return func(p *LocalProvider) {
		p.tokenFile = path
	}
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(p *LocalProvider) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			p.bcryptCost = cost
		}
	}
}

// WithIdentityProvider registers an external provider under its name.
func WithIdentityProvider(ip IdentityProvider) Option {
	return func(p *LocalProvider) {
		p.identities[ip.Name()] = ip
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *LocalProvider) {
		p.logger = logger
	}
}

// NewLocalProvider creates a provider over store signing with tokens.
func NewLocalProvider(store Store, tokens *TokenService, opts ...Option) *LocalProvider {
	p := &LocalProvider{
		store:      store,
		tokens:     tokens,
		bcryptCost: bcrypt.DefaultCost,
		identities: make(map[string]IdentityProvider),
		logger:     zap.NewNop(),
		listeners:  make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SignUp registers a password account and signs it in.
func (p *LocalProvider) SignUp(ctx context.Context, email, password, displayName string) (*Session, error) {
	email = normalizeEmail(email)
	if !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if displayName == "" {
		displayName = strings.SplitN(email, "@", 2)[0]
	}

	profile, err := p.store.CreateProfile(ctx,
		library.Profile{Email: email, DisplayName: displayName},
		&library.Credential{Provider: PasswordProvider, Subject: email, PasswordHash: string(hash)})
	if err != nil {
		if errors.Is(err, library.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	p.logger.Info("account registered", zap.String("user_id", profile.ID))
	return p.establish(profile.ID, profile.Email)
}

// SignInWithPassword checks email and password.
func (p *LocalProvider) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	cred, err := p.store.Credential(ctx, PasswordProvider, email)
	if err != nil {
		if errors.Is(err, library.ErrCredentialNotFound) {
			// Burn the same time as a real comparison.
			_ = bcrypt.CompareHashAndPassword(p.unknownEmailHash(), []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return p.establish(cred.UserID, email)
}

// SignInWithProvider authenticates through the named identity provider,
// linking the identity to an existing profile with the same email or creating
// a new one.
func (p *LocalProvider) SignInWithProvider(ctx context.Context, name string) (*Session, error) {
	ip, ok := p.identities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	ident, err := ip.Authenticate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s sign-in: %w", name, err)
	}
	if ident.Subject == "" {
		return nil, fmt.Errorf("%s sign-in: empty subject", name)
	}

	cred, err := p.store.Credential(ctx, name, ident.Subject)
	if err == nil {
		profile, err := p.store.Profile(ctx, cred.UserID)
		if err != nil {
			return nil, err
		}
		return p.establish(profile.ID, profile.Email)
	}
	if !errors.Is(err, library.ErrCredentialNotFound) {
		return nil, err
	}

	email := normalizeEmail(ident.Email)
	link := library.Credential{Provider: name, Subject: ident.Subject}
	profile, err := p.store.ProfileByEmail(ctx, email)
	switch {
	case err == nil:
		link.UserID = profile.ID
		if err := p.store.AddCredential(ctx, link); err != nil {
			return nil, err
		}
	case errors.Is(err, library.ErrProfileNotFound):
		profile, err = p.store.CreateProfile(ctx, library.Profile{Email: email, DisplayName: ident.DisplayName}, &link)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	p.logger.Info("external identity linked",
		zap.String("provider", name),
		zap.String("user_id", profile.ID))
	return p.establish(profile.ID, profile.Email)
}

// Session returns the current session, restoring it from the token file
// when the process has none. It returns nil without error when signed out.
func (p *LocalProvider) Session(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		if _, err := p.tokens.Validate(p.current.AccessToken); err == nil {
			s := *p.current
			return &s, nil
		}
		p.current = nil
	}
	if p.tokenFile == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(p.tokenFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	claims, err := p.tokens.Validate(token)
	if err != nil {
		p.logger.Info("discarding stored session", zap.Error(err))
		_ = os.Remove(p.tokenFile)
		return nil, nil
	}

	p.current = &Session{
		UserID:      claims.Subject,
		Email:       claims.Email,
		AccessToken: token,
	}
	if claims.ExpiresAt != nil {
		p.current.ExpiresAt = claims.ExpiresAt.Time
	}
	s := *p.current
	return &s, nil
}

// Refresh reissues the current token with a new expiry.
func (p *LocalProvider) Refresh(ctx context.Context) (*Session, error) {
	current, err := p.Session(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNoSession
	}
	s, err := p.issue(current.UserID, current.Email)
	if err != nil {
		return nil, err
	}
	p.emit(TokenRefreshed, s)
	return s, nil
}

// SignOut forgets the session and removes the token file.
func (p *LocalProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.current = nil
	var err error
	if p.tokenFile != "" {
		if rmErr := os.Remove(p.tokenFile); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = fmt.Errorf("remove token: %w", rmErr)
		}
	}
	p.mu.Unlock()

	p.emit(SignedOut, nil)
	return err
}

// OnAuthStateChange registers l for every state change until unsubscribed.
// Listeners run synchronously on the goroutine that caused the change.
func (p *LocalProvider) OnAuthStateChange(l Listener) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = l
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

func (p *LocalProvider) establish(userID, email string) (*Session, error) {
	s, err := p.issue(userID, email)
	if err != nil {
		return nil, err
	}
	p.emit(SignedIn, s)
	return s, nil
}

func (p *LocalProvider) issue(userID, email string) (*Session, error) {
	token, expires, err := p.tokens.Issue(userID, email)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	s := &Session{UserID: userID, Email: email, AccessToken: token, ExpiresAt: expires}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tokenFile != "" {
		if err := writeFileAtomic(p.tokenFile, []byte(token)); err != nil {
			return nil, fmt.Errorf("store token: %w", err)
		}
	}
	p.current = s
	copied := *s
	return &copied, nil
}

func (p *LocalProvider) emit(t EventType, s *Session) {
	p.mu.Lock()
	listeners := make([]Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()

	for _, l := range listeners {
		var copied *Session
		if s != nil {
			c := *s
			copied = &c
		}
		l(t, copied)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// unknownEmailHash is compared against when the email is unknown. It is
// hashed at the provider's cost so both paths take as long.
func (p *LocalProvider) unknownEmailHash() []byte {
	p.dummyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("library-dummy-password"), p.bcryptCost)
		if err != nil {
			p.logger.Error("failed to hash dummy password", zap.Error(err))
		}
		p.dummyHash = hash
	})
	return p.dummyHash
}
