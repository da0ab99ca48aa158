// Package session is the single source of truth for "is the user logged in".
//
// A Store is seeded from the persisted token and mutated only through its
// operations. Login, Register and CheckAuth each take a generation number when
// they start; when they finish, their result is applied only if no later
// operation has started in the meantime. The store never holds its lock while
// a request is in flight, so the client's 401 hook can call HandleUnauthorized
// from inside any of those requests.
//
// A login persists its token before it finishes. Until then the token is
// pending: if the login is superseded, or a later operation settles first,
// the persisted token is put back to whatever the snapshot holds, so the
// persisted token and IsAuthenticated never disagree once nothing is in
// flight.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/user/kbdesk/internal/types"
	"github.com/user/kbdesk/pkg/kbapi"
)

// ErrSuperseded is returned by an operation whose result was discarded
// because a newer operation started before it finished.
var ErrSuperseded = errors.New("session: superseded by a newer operation")

// Status is the authentication state.
type Status int

const (
	Anonymous Status = iota
	Authenticating
	Authenticated
)

func (s Status) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// Snapshot is a copy of the session state.
type Snapshot struct {
	Token           string
	User            *types.User
	IsAuthenticated bool
	IsLoading       bool
	Status          Status
}

// Credentials are the login form values.
type Credentials struct {
	Username string
	Password string
}

// AuthAPI is the part of the API surface the session drives.
type AuthAPI interface {
	Login(ctx context.Context, username, password string) (*types.Token, error)
	Register(ctx context.Context, req types.RegisterRequest) (*types.User, error)
	CurrentUser(ctx context.Context) (*types.User, error)
}

// Error is a user-facing session failure.
type Error struct {
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store holds the current token, user and authentication flag.
type Store struct {
	api    AuthAPI
	tokens types.TokenStore
	logger *slog.Logger

	mu      sync.Mutex
	snap    Snapshot
	gen     uint64
	pending string
	subs    map[int]func(Snapshot)
	nextSub int
}

// New creates a Store and seeds IsAuthenticated from the persisted token.
func New(api AuthAPI, tokens types.TokenStore, opts ...Option) *Store {
	s := &Store{
		api:    api,
		tokens: tokens,
		logger: slog.Default(),
		subs:   make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}

	token, err := tokens.Token()
	if err != nil {
		s.logger.Warn("read persisted token failed", "error", err)
	}
	s.snap = Snapshot{Token: token, IsAuthenticated: token != "", Status: Anonymous}
	if token != "" {
		s.snap.Status = Authenticated
	}
	return s
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Subscribe registers fn to be called after every state change. The returned
// function removes the subscription.
func (s *Store) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Login exchanges credentials for a token, persists it, then fetches the
// current user. The store is authenticated only after both steps succeed.
// If the user fetch fails the persisted token is removed again and the store
// returns to anonymous.
func (s *Store) Login(ctx context.Context, creds Credentials) error {
	gen := s.begin(func(sn *Snapshot) {
		sn.Status = Authenticating
		sn.IsLoading = true
	})

	token, err := s.api.Login(ctx, creds.Username, creds.Password)
	if err != nil {
		if !s.finish(gen, resetAnonymous) {
			return ErrSuperseded
		}
		s.logger.Info("login failed", "username", creds.Username, "error", err)
		return &Error{Op: "login", Message: kbapi.Detail(err, "Login failed"), Err: err}
	}

	// The token must be persisted before the user fetch so the bearer
	// middleware can attach it.
	if err := s.persist(gen, token.AccessToken); err != nil {
		return err
	}

	user, err := s.api.CurrentUser(ctx)
	if err != nil {
		// finish drops the pending token once the snapshot is anonymous.
		if !s.finish(gen, resetAnonymous) {
			s.abandon(token.AccessToken)
			return ErrSuperseded
		}
		s.logger.Info("login rolled back, user fetch failed", "username", creds.Username, "error", err)
		return &Error{Op: "login", Message: kbapi.Detail(err, "Login failed"), Err: err}
	}

	if !s.finish(gen, func(sn *Snapshot) {
		sn.Token = token.AccessToken
		sn.User = user
		sn.IsAuthenticated = true
		sn.IsLoading = false
		sn.Status = Authenticated
	}) {
		s.abandon(token.AccessToken)
		return ErrSuperseded
	}
	s.logger.Info("logged in", "user_id", user.ID, "email", user.Email)
	return nil
}

func (s *Store) persist(gen uint64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return ErrSuperseded
	}
	if err := s.tokens.SetToken(token); err != nil {
		resetAnonymous(&s.snap)
		s.notifyLocked()
		return &Error{Op: "login", Message: "Login failed", Err: err}
	}
	s.pending = token
	return nil
}

// abandon is called by a superseded login. If its token is still pending the
// persisted token is reconciled with the snapshot.
func (s *Store) abandon(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == token {
		s.reconcileLocked()
	}
}

// reconcileLocked resolves the pending token: kept if the snapshot adopted
// it, otherwise the persisted token is reset to the snapshot's. Tokens
// written elsewhere are left alone.
func (s *Store) reconcileLocked() {
	pending := s.pending
	s.pending = ""
	if pending == "" || s.snap.Token == pending {
		return
	}
	current, err := s.tokens.Token()
	if err != nil {
		s.logger.Warn("read persisted token failed", "error", err)
		return
	}
	if current != pending {
		return
	}
	if s.snap.Token == "" {
		err = s.tokens.ClearToken()
	} else {
		err = s.tokens.SetToken(s.snap.Token)
	}
	if err != nil {
		s.logger.Error("restore persisted token failed", "error", err)
	}
}

// Register creates an account. It never logs the user in and never touches
// token, user or authentication state; only IsLoading changes.
func (s *Store) Register(ctx context.Context, req types.RegisterRequest) error {
	gen := s.begin(func(sn *Snapshot) { sn.IsLoading = true })

	_, err := s.api.Register(ctx, req)
	if !s.finish(gen, settle) {
		return ErrSuperseded
	}
	if err != nil {
		s.logger.Info("registration failed", "email", req.Email, "error", err)
		return &Error{Op: "register", Message: kbapi.Detail(err, "Registration failed"), Err: err}
	}
	s.logger.Info("registered", "email", req.Email)
	return nil
}

// Logout clears the persisted token and the in-memory token and user. Any
// operation still in flight is superseded.
func (s *Store) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.pending = ""
	err := s.tokens.ClearToken()
	resetAnonymous(&s.snap)
	s.notifyLocked()
	if err != nil {
		return &Error{Op: "logout", Message: "Logout failed", Err: err}
	}
	return nil
}

// CheckAuth validates the persisted token. With no token it reports
// anonymous without any request. Otherwise it performs exactly one
// current-user fetch; on failure the persisted token is cleared.
func (s *Store) CheckAuth(ctx context.Context) (Snapshot, error) {
	token, err := s.tokens.Token()
	if err != nil {
		s.logger.Warn("read persisted token failed", "error", err)
	}
	if token == "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.snap.Status != Authenticating && (s.snap.IsAuthenticated || s.snap.Token != "") {
			resetAnonymous(&s.snap)
			s.notifyLocked()
		}
		return s.copyLocked(), nil
	}

	gen := s.begin(func(sn *Snapshot) { sn.IsLoading = true })

	user, err := s.api.CurrentUser(ctx)
	if err != nil {
		applied := s.finish(gen, func(sn *Snapshot) {
			if cerr := s.tokens.ClearToken(); cerr != nil {
				s.logger.Error("clear invalid token failed", "error", cerr)
			}
			resetAnonymous(sn)
		})
		if !applied {
			return s.Snapshot(), ErrSuperseded
		}
		s.logger.Info("persisted token rejected", "error", err)
		return s.Snapshot(), &Error{Op: "check auth", Message: kbapi.Detail(err, "Session expired"), Err: err}
	}

	if !s.finish(gen, func(sn *Snapshot) {
		sn.Token = token
		sn.User = user
		sn.IsAuthenticated = true
		sn.IsLoading = false
		sn.Status = Authenticated
	}) {
		return s.Snapshot(), ErrSuperseded
	}
	return s.Snapshot(), nil
}

// HandleUnauthorized resets the in-memory state after a request-level 401.
// The client middleware has already removed the persisted token. It does not
// supersede in-flight operations; it is registered as a 401 hook and runs
// inside their requests.
func (s *Store) HandleUnauthorized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.snap.IsAuthenticated && s.snap.Token == "" && s.snap.User == nil {
		return
	}
	loading := s.snap.IsLoading
	status := s.snap.Status
	resetAnonymous(&s.snap)
	s.snap.IsLoading = loading
	if status == Authenticating {
		s.snap.Status = Authenticating
	}
	s.notifyLocked()
}

// begin starts an authoritative operation and returns its generation.
func (s *Store) begin(mutate func(*Snapshot)) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	mutate(&s.snap)
	s.notifyLocked()
	return s.gen
}

// finish applies mutate if gen is still the latest operation, then resolves
// any token left pending by a superseded login.
func (s *Store) finish(gen uint64, mutate func(*Snapshot)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	mutate(&s.snap)
	s.reconcileLocked()
	s.notifyLocked()
	return true
}

func resetAnonymous(sn *Snapshot) {
	sn.Token = ""
	sn.User = nil
	sn.IsAuthenticated = false
	sn.IsLoading = false
	sn.Status = Anonymous
}

// settle ends a non-auth operation and repairs a status left behind by a
// superseded login.
func settle(sn *Snapshot) {
	sn.IsLoading = false
	if sn.IsAuthenticated {
		sn.Status = Authenticated
	} else {
		sn.Status = Anonymous
	}
}

func (s *Store) copyLocked() Snapshot {
	out := s.snap
	if s.snap.User != nil {
		u := *s.snap.User
		out.User = &u
	}
	return out
}

// notifyLocked calls subscribers with the lock held; subscribers must not
// call back into the store.
func (s *Store) notifyLocked() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.copyLocked()
	for _, fn := range s.subs {
		fn(snap)
	}
}
