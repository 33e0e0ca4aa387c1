// Package permission resolves the signed-in operator's permission set from the
// per-user override list, falling back to the static role table.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleetdesk/internal/metrics"
	"fleetdesk/internal/model"
	"fleetdesk/internal/notify"
	"fleetdesk/internal/session"
)

const (
	DefaultFetchTimeout = 5 * time.Second
	DefaultMaxAttempts  = 2
)

// ErrFetchTimeout is recorded when every attempt ran past the fetch timeout.
var ErrFetchTimeout = errors.New("permission fetch timed out")

// Source is the remote store of permission data.
type Source interface {
	UserPermissions(ctx context.Context, userID string) ([]string, error)
	RolePermissionMap(ctx context.Context) (map[string][]string, error)
}

// SessionSource is the part of the session store the resolver observes.
type SessionSource interface {
	State() session.State
	Subscribe(fn func(session.State)) func()
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseFetching:
		return "fetching"
	case PhaseReady:
		return "ready"
	default:
		return "idle"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Where the resolved set came from.
const (
	SourceRemote          = "remote"
	SourceRoleDefault     = "role_default"
	SourceAdminCorrection = "admin_correction"
	SourceFallbackError   = "fallback_error"
	SourceFallbackTimeout = "fallback_timeout"
)

// Snapshot is a copy of the resolver state.
type Snapshot struct {
	User            *model.AuthUser    `json:"user"`
	Phase           Phase              `json:"phase"`
	Loading         bool               `json:"loading_permissions"`
	IsAdmin         bool               `json:"is_admin"`
	Permissions     []model.Permission `json:"permissions"`
	Source          string             `json:"source,omitempty"`
	PermissionError string             `json:"permission_error,omitempty"`
}

type Option func(*Resolver)

func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(r *Resolver) {
		if n != nil {
			r.notifier = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithStallHandler registers fn to run when every fetch attempt timed out.
// main wires it to the session store's ForceResetLoading.
func WithStallHandler(fn func()) Option {
	return func(r *Resolver) { r.onStall = fn }
}

type Resolver struct {
	source       Source
	logger       *slog.Logger
	notifier     notify.Notifier
	fetchTimeout time.Duration
	maxAttempts  int
	onStall      func()

	mu      sync.RWMutex
	gen     uint64
	user    *model.AuthUser
	phase   Phase
	perms   model.PermissionSet
	isAdmin bool
	from    string
	permErr string
	roleMap map[string][]string
	ready   chan struct{}
}

func NewResolver(source Source, opts ...Option) *Resolver {
	ready := make(chan struct{})
	close(ready)
	r := &Resolver{
		source:       source,
		logger:       slog.Default(),
		notifier:     notify.Discard,
		fetchTimeout: DefaultFetchTimeout,
		maxAttempts:  DefaultMaxAttempts,
		perms:        model.PermissionSet{},
		ready:        ready,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach follows the operator of a session store until the returned func is
// called. ctx bounds the remote fetches started on its behalf.
func (r *Resolver) Attach(ctx context.Context, s SessionSource) func() {
	cancel := s.Subscribe(func(st session.State) { r.SetUser(ctx, st.User) })
	r.SetUser(ctx, s.State().User)
	return cancel
}

// SetUser recomputes the permission set for user. A nil user clears it.
// Setting the same user again is a no-op.
func (r *Resolver) SetUser(ctx context.Context, user *model.AuthUser) {
	r.mu.Lock()
	if user.SameAs(r.user) {
		r.mu.Unlock()
		return
	}
	r.gen++
	gen := r.gen
	r.perms = model.PermissionSet{}
	r.permErr = ""
	r.from = ""

	if user == nil {
		r.user = nil
		r.phase = PhaseIdle
		r.isAdmin = false
		r.roleMap = nil
		r.markReadyLocked()
		r.mu.Unlock()
		r.logger.Debug("permissions cleared")
		return
	}

	u := *user
	r.user = &u
	r.phase = PhaseFetching
	r.isAdmin = false
	select {
	case <-r.ready:
		r.ready = make(chan struct{})
	default:
	}
	r.mu.Unlock()

	go r.resolve(ctx, gen, u)
	go r.loadRoleMap(ctx, gen)
}

// HasPermission is true for admins and otherwise a set membership test.
// During a fetch it is false for everyone, admins included.
func (r *Resolver) HasPermission(p model.Permission) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isAdmin || r.perms.Has(p)
}

func (r *Resolver) HasAnyPermission(perms ...model.Permission) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.isAdmin {
		return true
	}
	for _, p := range perms {
		if r.perms.Has(p) {
			return true
		}
	}
	return false
}

func (r *Resolver) IsAdmin() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isAdmin
}

func (r *Resolver) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		Phase:           r.phase,
		Loading:         r.phase == PhaseFetching,
		IsAdmin:         r.isAdmin,
		Permissions:     r.perms.Sorted(),
		Source:          r.from,
		PermissionError: r.permErr,
	}
	if r.user != nil {
		u := *r.user
		snap.User = &u
	}
	return snap
}

// RoleMap returns the role name -> permission names map loaded in the
// background, or nil when it has not loaded.
func (r *Resolver) RoleMap() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.roleMap == nil {
		return nil
	}
	out := make(map[string][]string, len(r.roleMap))
	for k, v := range r.roleMap {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Wait blocks until the resolver leaves the fetching phase or ctx is done.
func (r *Resolver) Wait(ctx context.Context) error {
	r.mu.RLock()
	ch := r.ready
	r.mu.RUnlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Resolver) resolve(ctx context.Context, gen uint64, user model.AuthUser) {
	log := r.logger.With("user_id", user.ID, "role", user.Role)

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		names, err := r.fetch(ctx, user.ID)
		if errors.Is(err, ErrFetchTimeout) {
			log.Warn("permission fetch timed out", "attempt", attempt, "max_attempts", r.maxAttempts)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error("permission fetch failed, using role defaults", "error", err)
			if r.finish(gen, model.FallbackPermissions(user.Role), SourceFallbackError, err.Error()) {
				r.notifier.Notify(notify.Toast{
					Level:   notify.LevelWarning,
					Title:   "Permissions unavailable",
					Message: "Using the default permissions for your role.",
				})
			}
			return
		}

		perms := parsePermissions(log, names)
		from := SourceRemote
		// The per-user list is an override list; an empty one means the role's
		// defaults apply.
		if len(perms) == 0 {
			perms = model.FallbackPermissions(user.Role)
			from = SourceRoleDefault
			if user.Role == model.RoleAdmin {
				// TODO: drop once get_user_permissions returns rows for admin
				// profiles whose role_id is null.
				from = SourceAdminCorrection
				log.Warn("empty permission list for admin, substituting the admin defaults")
			}
		}
		r.finish(gen, perms, from, "")
		return
	}

	if !r.finish(gen, model.FallbackPermissions(user.Role), SourceFallbackTimeout, ErrFetchTimeout.Error()) {
		return
	}
	log.Warn("permission fetch attempts exhausted, using role defaults", "attempts", r.maxAttempts)
	r.notifier.Notify(notify.Toast{
		Level:   notify.LevelWarning,
		Title:   "Permissions are taking too long",
		Message: "Using the default permissions for your role.",
	})
	if r.onStall != nil {
		r.onStall()
	}
}

// fetch stops waiting after the fetch timeout. The call itself keeps running
// on ctx and its result is discarded.
func (r *Resolver) fetch(ctx context.Context, userID string) ([]string, error) {
	type result struct {
		names []string
		err   error
	}
	start := time.Now()
	ch := make(chan result, 1)
	go func() {
		names, err := r.source.UserPermissions(ctx, userID)
		ch <- result{names, err}
	}()

	timer := time.NewTimer(r.fetchTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		outcome := "ok"
		if res.err != nil {
			outcome = "error"
		}
		metrics.PermissionFetchDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		if res.err != nil {
			return nil, fmt.Errorf("get user permissions: %w", res.err)
		}
		return res.names, nil
	case <-timer.C:
		metrics.PermissionFetchDuration.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
		return nil, ErrFetchTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) loadRoleMap(ctx context.Context, gen uint64) {
	m, err := r.source.RolePermissionMap(ctx)
	if err != nil {
		r.logger.Warn("failed to load role permission map", "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return
	}
	r.roleMap = m
}

// finish applies the resolved set unless a newer user has been set since.
func (r *Resolver) finish(gen uint64, perms []model.Permission, from, permErr string) bool {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return false
	}
	r.perms = model.NewPermissionSet(perms...)
	r.from = from
	r.permErr = permErr
	r.isAdmin = r.user != nil && r.user.Role == model.RoleAdmin
	r.phase = PhaseReady
	r.markReadyLocked()
	n := len(r.perms)
	r.mu.Unlock()

	metrics.PermissionResolutions.WithLabelValues(from).Inc()
	r.logger.Info("permissions resolved", "source", from, "count", n)
	return true
}

func (r *Resolver) markReadyLocked() {
	select {
	case <-r.ready:
	default:
		close(r.ready)
	}
}

func parsePermissions(log *slog.Logger, names []string) []model.Permission {
	out := make([]model.Permission, 0, len(names))
	for _, n := range names {
		p, ok := model.ParsePermission(n)
		if !ok {
			log.Warn("ignoring unknown permission", "permission", n)
			continue
		}
		out = append(out, p)
	}
	return out
}
