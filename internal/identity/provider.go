// Package identity is the client side of the hosted identity provider.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrNoSession          = errors.New("identity: no active session")
	ErrInvalidCredentials = errors.New("identity: invalid login credentials")
)

// User is the identity as the provider reports it.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
}

// MetadataString returns a string value from user metadata, or "".
func (u *User) MetadataString(key string) string {
	if u == nil || u.UserMetadata == nil {
		return ""
	}
	s, _ := u.UserMetadata[key].(string)
	return strings.TrimSpace(s)
}

// Session is a provider-issued token pair.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// Expiry returns the absolute expiry time.
func (s *Session) Expiry() time.Time {
	return time.Unix(s.ExpiresAt, 0)
}

// ExpiresWithin reports whether the session expires before now+margin.
func (s *Session) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if s.ExpiresAt == 0 {
		return false
	}
	return !now.Add(margin).Before(s.Expiry())
}

type EventType string

const (
	EventInitialSession   EventType = "INITIAL_SESSION"
	EventSignedIn         EventType = "SIGNED_IN"
	EventSignedOut        EventType = "SIGNED_OUT"
	EventTokenRefreshed   EventType = "TOKEN_REFRESHED"
	EventUserUpdated      EventType = "USER_UPDATED"
	EventPasswordRecovery EventType = "PASSWORD_RECOVERY"
)

// Event is delivered to OnAuthStateChange listeners. Session is nil after sign-out.
type Event struct {
	Type    EventType
	Session *Session
}

type Listener func(Event)

// Subscription is returned by OnAuthStateChange.
type Subscription interface {
	Unsubscribe()
}

// UserAttributes is the payload of UpdateUser. Empty fields are left untouched.
type UserAttributes struct {
	Email    string         `json:"email,omitempty"`
	Password string         `json:"password,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Provider is the identity-provider contract the console consumes.
type Provider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context) error
	GetSession(ctx context.Context) (*Session, error)
	OnAuthStateChange(fn Listener) Subscription
	UpdateUser(ctx context.Context, attrs UserAttributes) (*User, error)
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
}

// APIError is an error response from the provider.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("identity provider returned status %d", e.Status)
}

// Is lets errors.Is match credential failures against ErrInvalidCredentials.
func (e *APIError) Is(target error) bool {
	return target == ErrInvalidCredentials && (e.Code == "invalid_grant" || e.Code == "invalid_credentials")
}

// emitter fans events out to listeners in subscription order.
type emitter struct {
	mu        sync.Mutex
	next      int
	listeners map[int]Listener
	order     []int
}

func (e *emitter) subscribe(fn Listener) *subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[int]Listener)
	}
	id := e.next
	e.next++
	e.listeners[id] = fn
	e.order = append(e.order, id)

	sub := &subscription{}
	sub.cancel = func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
		for i, v := range e.order {
			if v == id {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
	return sub
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	fns := make([]Listener, 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.listeners[id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

type subscription struct {
	once   sync.Once
	mu     sync.Mutex
	done   bool
	cancel func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
		s.cancel()
	})
}

func (s *subscription) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.done
}

// initialSession delivers INITIAL_SESSION to a fresh listener, as the hosted
// client does, unless the listener unsubscribed first.
func initialSession(sub *subscription, fn Listener, get func(context.Context) (*Session, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := get(ctx)
		if err != nil {
			s = nil
		}
		if sub.active() {
			fn(Event{Type: EventInitialSession, Session: s})
		}
	}()
}
