// Package session holds the process-wide authentication state: who is signed
// in, whether that is known yet, and the snapshot that lets a restarted
// process show the last identity before the provider has answered.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"library-circulation/auth"
	"library-circulation/library"
)

// Status is the authentication state.
type Status string

const (
	StatusInitializing  Status = "INITIALIZING"
	StatusAuthenticated Status = "AUTHENTICATED"
	StatusAnonymous     Status = "ANONYMOUS"
)

// Readiness tells whether Status has been confirmed by the provider.
type Readiness string

const (
	ReadinessUnknown Readiness = "unknown"
	ReadinessLoading Readiness = "loading"
	ReadinessReady   Readiness = "ready"
)

var (
	ErrNotAuthenticated = errors.New("not signed in")
	ErrForbidden        = errors.New("admin role required")
)

const defaultResolveTimeout = 10 * time.Second

// State is a copy of the session at one point in time.
type State struct {
	Status    Status
	Readiness Readiness
	User      *library.Profile
	ExpiresAt time.Time
}

// Authenticated reports whether a user is signed in.
func (s State) Authenticated() bool { return s.Status == StatusAuthenticated && s.User != nil }

// AuthProvider is the backing authentication service.
type AuthProvider interface {
	Session(ctx context.Context) (*auth.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error)
	SignUp(ctx context.Context, email, password, displayName string) (*auth.Session, error)
	SignInWithProvider(ctx context.Context, name string) (*auth.Session, error)
	SignOut(ctx context.Context) error
	OnAuthStateChange(l auth.Listener) (unsubscribe func())
}

// ProfileResolver loads the profile of an authenticated identity.
type ProfileResolver interface {
	Profile(ctx context.Context, id string) (*library.Profile, error)
}

// LoginHook runs once per sign-in, e.g. to record a LOGIN notification.
type LoginHook func(ctx context.Context, user *library.Profile)

// Credentials are what Login and Register take.
type Credentials struct {
	Email       string
	Password    string
	DisplayName string
}

// Store is the session state machine.
type Store struct {
	provider       AuthProvider
	profiles       ProfileResolver
	snapshots      SnapshotStore
	onLogin        LoginHook
	logger         *zap.Logger
	resolveTimeout time.Duration

	mu            sync.Mutex
	state         State
	loginNotified bool
	signOuts      uint64
	subscribers   map[int]func(State)
	nextSub       int
	ready         chan struct{}
	readyClosed   bool

	initOnce   sync.Once
	initCancel func()
	initErr    error
}

// Option configures a Store.
type Option func(*Store)

// WithLoginHook sets the hook run on each sign-in.
func WithLoginHook(h LoginHook) Option {
	return func(s *Store) {
		s.onLogin = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithResolveTimeout bounds profile lookups triggered by auth events.
func WithResolveTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.resolveTimeout = d
		}
	}
}

// NewStore creates a Store in INITIALIZING. snapshots may be nil.
func NewStore(provider AuthProvider, profiles ProfileResolver, snapshots SnapshotStore, opts ...Option) *Store {
	if snapshots == nil {
		snapshots = &MemorySnapshotStore{}
	}
	s := &Store{
		provider:       provider,
		profiles:       profiles,
		snapshots:      snapshots,
		logger:         zap.NewNop(),
		resolveTimeout: defaultResolveTimeout,
		state:          State{Status: StatusInitializing, Readiness: ReadinessUnknown},
		subscribers:    make(map[int]func(State)),
		ready:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize restores the snapshot, asks the provider for an existing
// session and starts following auth events. Only the first call does any
// work; later calls return the same cancel handle and error. cancel
// detaches the auth event listener.
func (s *Store) Initialize(ctx context.Context) (cancel func(), err error) {
	s.initOnce.Do(func() {
		s.initCancel, s.initErr = s.initialize(ctx)
	})
	return s.initCancel, s.initErr
}

func (s *Store) initialize(ctx context.Context) (func(), error) {
	s.mu.Lock()
	if s.state.Readiness == ReadinessUnknown {
		s.state.Readiness = ReadinessLoading
	}
	if snap, err := s.snapshots.Load(); err != nil {
		s.logger.Warn("failed to load session snapshot", zap.Error(err))
	} else if snap != nil && snap.IsAuthenticated && snap.UserID != "" && s.state.User == nil {
		s.state.Status = StatusAuthenticated
		s.state.User = profileFromSnapshot(snap)
	}
	epoch := s.signOuts
	s.mu.Unlock()
	s.broadcast()

	unsubscribe := s.provider.OnAuthStateChange(s.handleAuthEvent)

	current, err := s.provider.Session(ctx)
	if err != nil {
		// Treat an unreachable provider as signed out, but keep the error.
		s.logger.Warn("failed to query auth session", zap.Error(err))
		current = nil
	}

	if current == nil {
		s.mu.Lock()
		s.clearLocked()
		s.markReadyLocked()
		s.mu.Unlock()
		s.broadcast()
		return unsubscribe, err
	}

	user := s.resolve(ctx, current)
	s.mu.Lock()
	if s.signOuts == epoch {
		s.setUserLocked(user, current.ExpiresAt)
	}
	s.markReadyLocked()
	s.mu.Unlock()
	s.broadcast()
	return unsubscribe, nil
}

// Login signs in with email and password.
func (s *Store) Login(ctx context.Context, c Credentials) (*library.Profile, error) {
	epoch := s.epoch()
	as, err := s.provider.SignInWithPassword(ctx, c.Email, c.Password)
	if err != nil {
		return nil, err
	}
	return s.signedIn(ctx, as, epoch)
}

// Register creates an account and signs it in.
func (s *Store) Register(ctx context.Context, c Credentials) (*library.Profile, error) {
	epoch := s.epoch()
	as, err := s.provider.SignUp(ctx, c.Email, c.Password, c.DisplayName)
	if err != nil {
		return nil, err
	}
	return s.signedIn(ctx, as, epoch)
}

// LoginWithExternalProvider signs in through the named identity provider.
func (s *Store) LoginWithExternalProvider(ctx context.Context, name string) (*library.Profile, error) {
	epoch := s.epoch()
	as, err := s.provider.SignInWithProvider(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.signedIn(ctx, as, epoch)
}

// Logout clears the local session and snapshot first, then signs out
// remotely. A failed remote sign-out is returned but the local state stays
// cleared.
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.clearLocked()
	s.markReadyLocked()
	s.mu.Unlock()
	s.broadcast()

	if err := s.provider.SignOut(ctx); err != nil {
		s.logger.Warn("remote sign-out failed", zap.Error(err))
		return err
	}
	return nil
}

// Current returns the current state.
func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotStateLocked()
}

// User returns the signed-in profile or nil.
func (s *Store) User() *library.Profile {
	return s.Current().User
}

// UserKey returns the id that scopes per-user cache keys, or "" when
// nobody is signed in.
func (s *Store) UserKey() string {
	if u := s.User(); u != nil {
		return u.ID
	}
	return ""
}

// RequireUser returns the signed-in profile or ErrNotAuthenticated.
func (s *Store) RequireUser() (*library.Profile, error) {
	st := s.Current()
	if !st.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	return st.User, nil
}

// RequireAdmin is RequireUser restricted to admins.
func (s *Store) RequireAdmin() (*library.Profile, error) {
	u, err := s.RequireUser()
	if err != nil {
		return nil, err
	}
	if !u.IsAdmin() {
		return nil, ErrForbidden
	}
	return u, nil
}

// Subscribe calls fn with the current state and again after every change.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	st := s.snapshotStateLocked()
	s.mu.Unlock()

	fn(st)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

// WaitReady blocks until the provider has confirmed the session state.
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) handleAuthEvent(ev auth.EventType, as *auth.Session) {
	switch ev {
	case auth.SignedIn:
		if as == nil {
			return
		}
		epoch := s.epoch()
		ctx, cancel := context.WithTimeout(context.Background(), s.resolveTimeout)
		defer cancel()
		if _, err := s.signedIn(ctx, as, epoch); err != nil {
			s.logger.Debug("sign-in event dropped", zap.String("user_id", as.UserID), zap.Error(err))
		}
	case auth.TokenRefreshed:
		if as == nil {
			return
		}
		s.mu.Lock()
		if s.state.User != nil && s.state.User.ID == as.UserID {
			s.state.ExpiresAt = as.ExpiresAt
		}
		s.mu.Unlock()
	case auth.SignedOut:
		s.mu.Lock()
		wasSignedIn := s.state.User != nil
		s.clearLocked()
		s.markReadyLocked()
		s.mu.Unlock()
		if wasSignedIn {
			s.broadcast()
		}
	}
}

// errSignedOutMeanwhile is returned when a sign-out landed while a sign-in
// was still being applied.
var errSignedOutMeanwhile = fmt.Errorf("signed out while signing in: %w", ErrNotAuthenticated)

func (s *Store) epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signOuts
}

// signedIn applies a sign-in, resolving the profile only when the identity
// changed, and fires the login hook once. The result is dropped if the
// session was cleared after epoch was taken.
func (s *Store) signedIn(ctx context.Context, as *auth.Session, epoch uint64) (*library.Profile, error) {
	s.mu.Lock()
	cached := s.state.User
	s.mu.Unlock()

	user := cached
	if cached == nil || cached.ID != as.UserID {
		user = s.resolve(ctx, as)
	}

	s.mu.Lock()
	if s.signOuts != epoch {
		s.mu.Unlock()
		return nil, errSignedOutMeanwhile
	}
	s.setUserLocked(user, as.ExpiresAt)
	s.markReadyLocked()
	notify := !s.loginNotified && s.onLogin != nil
	s.loginNotified = true
	s.mu.Unlock()
	s.broadcast()

	if notify {
		s.onLogin(ctx, user)
	}
	copied := *user
	return &copied, nil
}

// resolve loads the profile of as, falling back to a minimal identity.
func (s *Store) resolve(ctx context.Context, as *auth.Session) *library.Profile {
	p, err := s.profiles.Profile(ctx, as.UserID)
	if err == nil {
		return p
	}
	s.logger.Warn("profile lookup failed, using minimal identity",
		zap.String("user_id", as.UserID),
		zap.Error(err))
	return &library.Profile{
		ID:          as.UserID,
		Email:       as.Email,
		DisplayName: displayNameFor(as.Email),
		Role:        library.RoleUser,
	}
}

func (s *Store) setUserLocked(user *library.Profile, expires time.Time) {
	s.state.Status = StatusAuthenticated
	s.state.User = user
	s.state.ExpiresAt = expires
	err := s.snapshots.Save(Snapshot{
		UserID:          user.ID,
		Email:           user.Email,
		DisplayName:     user.DisplayName,
		IsAuthenticated: true,
		IsAdmin:         user.IsAdmin(),
	})
	if err != nil {
		s.logger.Warn("failed to save session snapshot", zap.Error(err))
	}
}

func (s *Store) clearLocked() {
	s.state.Status = StatusAnonymous
	s.state.User = nil
	s.state.ExpiresAt = time.Time{}
	s.loginNotified = false
	s.signOuts++
	if err := s.snapshots.Clear(); err != nil {
		s.logger.Warn("failed to clear session snapshot", zap.Error(err))
	}
}

func (s *Store) markReadyLocked() {
	s.state.Readiness = ReadinessReady
	if !s.readyClosed {
		s.readyClosed = true
		close(s.ready)
	}
}

func (s *Store) snapshotStateLocked() State {
	st := s.state
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	return st
}

func (s *Store) broadcast() {
	s.mu.Lock()
	st := s.snapshotStateLocked()
	subs := make([]func(State), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}

func profileFromSnapshot(snap *Snapshot) *library.Profile {
	role := library.RoleUser
	if snap.IsAdmin {
		role = library.RoleAdmin
	}
	return &library.Profile{
		ID:          snap.UserID,
		Email:       snap.Email,
		DisplayName: snap.DisplayName,
		Role:        role,
	}
}

func displayNameFor(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
