// Package session owns the operator's authentication state: the identity
// provider subscription, the startup watchdog and the sign-in/sign-out
// operations that mutate it.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fleetdesk/internal/identity"
	"fleetdesk/internal/metrics"
	"fleetdesk/internal/model"
	"fleetdesk/internal/notify"
	"fleetdesk/internal/storage"
)

const (
	DefaultInitTimeout      = 5 * time.Second
	DefaultForceSignOutWait = 3 * time.Second
)

// InitTimeoutMessage is the AuthError set when the watchdog fires.
const InitTimeoutMessage = "Authentication is taking longer than expected. Continue anyway or reload the page."

// ProfileResolver turns an identity into an AuthUser.
type ProfileResolver interface {
	Resolve(ctx context.Context, u *identity.User) (*model.AuthUser, error)
}

// State is a snapshot of the session. IsAuthenticated follows Session.
type State struct {
	User            *model.AuthUser   `json:"user"`
	Identity        *identity.User    `json:"identity,omitempty"`
	Session         *identity.Session `json:"-"`
	IsAuthenticated bool              `json:"is_authenticated"`
	Loading         bool              `json:"loading"`
	AuthError       string            `json:"auth_error,omitempty"`
	ProfileError    string            `json:"profile_error,omitempty"`
}

type Option func(*Store)

func WithInitTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.initTimeout = d
		}
	}
}

func WithForceSignOutWait(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.forceSignOutWait = d
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Store) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPasswordResetRedirect sets the URL placed in password recovery mails.
func WithPasswordResetRedirect(url string) Option {
	return func(s *Store) { s.resetRedirect = url }
}

// Store is the session service. Create it with New, call Init once the
// process is ready to serve and Teardown on shutdown.
type Store struct {
	provider identity.Provider
	profiles ProfileResolver
	local    storage.Store
	notifier notify.Notifier
	logger   *slog.Logger

	initTimeout      time.Duration
	forceSignOutWait time.Duration
	resetRedirect    string

	seq atomic.Uint64

	mu          sync.Mutex
	state       State
	mounted     bool
	epoch       uint64
	appliedSeq  uint64
	sub         identity.Subscription
	watchdog    *time.Timer
	cancel      context.CancelFunc
	ready       chan struct{}
	readyClosed bool
	observers   []observer
	nextObs     int
	resetHooks  []func()

	publishMu sync.Mutex
}

type observer struct {
	id int
	fn func(State)
}

func New(provider identity.Provider, profiles ProfileResolver, local storage.Store, opts ...Option) *Store {
	s := &Store{
		provider:         provider,
		profiles:         profiles,
		local:            local,
		notifier:         notify.Discard,
		logger:           slog.Default(),
		initTimeout:      DefaultInitTimeout,
		forceSignOutWait: DefaultForceSignOutWait,
		state:            State{Loading: true},
		ready:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init subscribes to the provider and requests the current session once.
// Calling Init again before Teardown does nothing.
func (s *Store) Init(ctx context.Context) {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = true
	s.epoch++
	epoch := s.epoch
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.state.Loading = true
	s.state.AuthError = ""
	s.syncReadyLocked()
	s.watchdog = time.AfterFunc(s.initTimeout, func() { s.onInitTimeout(epoch) })
	s.sub = s.provider.OnAuthStateChange(func(ev identity.Event) {
		seq := s.seq.Add(1)
		go s.applySession(runCtx, epoch, seq, ev.Session, string(ev.Type))
	})
	s.mu.Unlock()

	s.publish()
	go s.fetchInitial(runCtx, epoch)
}

// Teardown removes the provider subscription and drops any in-flight writes.
func (s *Store) Teardown() {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = false
	s.epoch++
	sub := s.sub
	s.sub = nil
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	// release WaitReady callers; nothing will clear loading any more
	if !s.readyClosed {
		close(s.ready)
		s.readyClosed = true
	}
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// State returns a snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ForceResetLoading clears a stuck loading flag.
func (s *Store) ForceResetLoading() {
	s.mu.Lock()
	if !s.state.Loading {
		s.mu.Unlock()
		return
	}
	s.state.Loading = false
	s.syncReadyLocked()
	s.mu.Unlock()

	s.logger.Warn("loading state reset manually")
	s.publish()
}

// WaitReady blocks until loading is false or ctx is done.
func (s *Store) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.Loading {
		s.mu.Unlock()
		return nil
	}
	ch := s.ready
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn for every state change and returns its cancel func.
// fn runs on the goroutine that changed the state and must not block.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers = append(s.observers, observer{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

// OnReset registers a hook run after every sign-out.
func (s *Store) OnReset(fn func()) {
	s.mu.Lock()
	s.resetHooks = append(s.resetHooks, fn)
	s.mu.Unlock()
}

func (s *Store) fetchInitial(ctx context.Context, epoch uint64) {
	seq := s.seq.Add(1)
	sess, err := s.provider.GetSession(ctx)
	if err != nil {
		s.logger.Warn("failed to restore session", "error", err)
		s.commit(epoch, seq, func(st *State) {
			clearIdentity(st)
			st.AuthError = err.Error()
			st.Loading = false
		})
		return
	}
	s.applySession(ctx, epoch, seq, sess, "get_session")
}

// applySession resolves the profile for sess and writes the result. Writes
// carry a sequence number so a slower, older resolution cannot overwrite a
// newer one.
func (s *Store) applySession(ctx context.Context, epoch, seq uint64, sess *identity.Session, source string) {
	var user *model.AuthUser
	var profileErr error
	if sess != nil {
		user, profileErr = s.profiles.Resolve(ctx, &sess.User)
	}

	applied := s.commit(epoch, seq, func(st *State) {
		setIdentity(st, sess, user, profileErr)
		st.AuthError = ""
		st.Loading = false
	})
	if !applied {
		return
	}

	s.logger.Info("session state updated", "source", source, "authenticated", sess != nil, "profile", user != nil)
	if profileErr != nil {
		s.logger.Warn("profile resolution failed", "error", profileErr)
		s.notifier.Notify(notify.Toast{
			Level:   notify.LevelError,
			Title:   "Could not load your profile",
			Message: profileErr.Error(),
		})
	}
}

func (s *Store) onInitTimeout(epoch uint64) {
	s.mu.Lock()
	if !s.mounted || epoch != s.epoch || !s.state.Loading {
		s.mu.Unlock()
		return
	}
	s.state.Loading = false
	s.state.AuthError = InitTimeoutMessage
	s.syncReadyLocked()
	s.mu.Unlock()

	metrics.SessionInitTimeouts.Inc()
	s.logger.Warn("session initialisation timed out", "timeout", s.initTimeout)
	s.notifier.Notify(notify.Toast{Level: notify.LevelWarning, Title: "Still connecting", Message: InitTimeoutMessage})
	s.publish()
}

// commit applies mutate if the store is still mounted in the same epoch and
// no newer write has landed.
func (s *Store) commit(epoch, seq uint64, mutate func(*State)) bool {
	s.mu.Lock()
	if !s.mounted || epoch != s.epoch || seq < s.appliedSeq {
		s.mu.Unlock()
		return false
	}
	s.appliedSeq = seq
	mutate(&s.state)
	s.syncReadyLocked()
	s.mu.Unlock()

	s.publish()
	return true
}

// update applies mutate without ordering checks. Used for flag-only writes.
func (s *Store) update(mutate func(*State)) {
	s.mu.Lock()
	mutate(&s.state)
	s.syncReadyLocked()
	s.mu.Unlock()

	s.publish()
}

// clear drops the identity unconditionally and supersedes in-flight writes.
func (s *Store) clear() {
	seq := s.seq.Add(1)
	s.mu.Lock()
	if seq > s.appliedSeq {
		s.appliedSeq = seq
	}
	clearIdentity(&s.state)
	s.state.Loading = false
	s.syncReadyLocked()
	s.mu.Unlock()

	s.publish()
}

// syncReadyLocked keeps the ready channel in step with the loading flag.
func (s *Store) syncReadyLocked() {
	if s.state.Loading {
		if s.readyClosed {
			s.ready = make(chan struct{})
			s.readyClosed = false
		}
		return
	}
	if s.readyClosed {
		return
	}
	close(s.ready)
	s.readyClosed = true
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

// publish delivers the latest snapshot to observers. Deliveries are
// serialised so every observer sees the final state last.
func (s *Store) publish() {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	snap := s.state
	fns := make([]func(State), len(s.observers))
	for i, o := range s.observers {
		fns[i] = o.fn
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (s *Store) runResetHooks() {
	s.mu.Lock()
	hooks := append([]func(){}, s.resetHooks...)
	s.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func setIdentity(st *State, sess *identity.Session, user *model.AuthUser, profileErr error) {
	if sess == nil {
		clearIdentity(st)
		return
	}
	u := sess.User
	st.Session = sess
	st.Identity = &u
	st.IsAuthenticated = true
	st.User = user
	st.ProfileError = ""
	if profileErr != nil {
		st.ProfileError = profileErr.Error()
	}
}

func clearIdentity(st *State) {
	st.Session = nil
	st.Identity = nil
	st.User = nil
	st.IsAuthenticated = false
	st.ProfileError = ""
}
