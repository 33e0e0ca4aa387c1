package session

import (
	"context"
	"fmt"
	"strings"

	"fleetdesk/internal/identity"
	"fleetdesk/internal/metrics"
	"fleetdesk/internal/model"
	"fleetdesk/internal/notify"
	"fleetdesk/internal/storage"
)

// SignIn authenticates with the provider and resolves the operator profile.
// The provider error is returned so a login form can keep its own error state.
// A successful sign-in whose profile cannot be resolved returns a nil user; the
// reason is in State().ProfileError.
func (s *Store) SignIn(ctx context.Context, email, password string) (*model.AuthUser, error) {
	email = strings.TrimSpace(email)
	epoch := s.currentEpoch()
	seq := s.seq.Add(1)
	s.update(func(st *State) { st.Loading = true })

	sess, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		s.update(func(st *State) {
			st.AuthError = err.Error()
			st.Loading = false
		})
		metrics.SignIns.WithLabelValues("failure").Inc()
		s.logger.Info("sign in failed", "email", email, "error", err)
		s.notifier.Notify(notify.Toast{Level: notify.LevelError, Title: "Sign in failed", Message: err.Error()})
		return nil, err
	}

	user, profileErr := s.profiles.Resolve(ctx, &sess.User)
	s.commit(epoch, seq, func(st *State) {
		setIdentity(st, sess, user, profileErr)
		st.AuthError = ""
		st.Loading = false
	})
	// a newer write may have superseded ours; loading must not stay set
	s.update(func(st *State) { st.Loading = false })

	metrics.SignIns.WithLabelValues("success").Inc()
	s.logger.Info("signed in", "user_id", sess.User.ID, "profile", user != nil)
	if profileErr != nil {
		s.notifier.Notify(notify.Toast{Level: notify.LevelError, Title: "Could not load your profile", Message: profileErr.Error()})
		return nil, nil
	}
	s.notifier.Notify(notify.Toast{Level: notify.LevelSuccess, Title: "Signed in", Message: "Welcome back, " + user.Name})
	return user, nil
}

// SignOut always clears local state, even when the provider call fails, and
// then runs the reset hooks.
func (s *Store) SignOut(ctx context.Context) {
	err := s.provider.SignOut(ctx)
	s.clear()

	if err != nil {
		metrics.SignOuts.WithLabelValues("normal", "error").Inc()
		s.logger.Warn("provider sign out failed, local session cleared", "error", err)
		s.notifier.Notify(notify.Toast{
			Level:   notify.LevelWarning,
			Title:   "Signed out locally",
			Message: "The server could not be reached: " + err.Error(),
		})
	} else {
		metrics.SignOuts.WithLabelValues("normal", "ok").Inc()
		s.logger.Info("signed out")
	}
	s.runResetHooks()
}

// ForceSignOut is the recovery path when the provider is unreachable. The
// provider call gets at most the force-sign-out wait; the token keys and the
// local state are cleared whatever happens to it.
func (s *Store) ForceSignOut(ctx context.Context) {
	outcome := "ok"
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		if err := s.local.Delete(cleanupCtx, storage.TokenKeys...); err != nil {
			s.logger.Error("failed to clear stored tokens", "error", err)
		}
		s.clear()
		metrics.SignOuts.WithLabelValues("forced", outcome).Inc()
		s.logger.Warn("forced sign out", "provider", outcome)
		s.runResetHooks()
	}()

	callCtx, cancel := context.WithTimeout(ctx, s.forceSignOutWait)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.provider.SignOut(callCtx) }()

	select {
	case err := <-done:
		if err != nil {
			outcome = "error"
			s.logger.Warn("provider sign out failed during forced sign out", "error", err)
		}
	case <-callCtx.Done():
		outcome = "timeout"
	}
}

// ResetPassword asks the provider to mail a recovery link.
func (s *Store) ResetPassword(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if err := s.provider.ResetPasswordForEmail(ctx, email, s.resetRedirect); err != nil {
		s.notifier.Notify(notify.Toast{Level: notify.LevelError, Title: "Password reset failed", Message: err.Error()})
		return fmt.Errorf("reset password: %w", err)
	}
	s.notifier.Notify(notify.Toast{Level: notify.LevelSuccess, Title: "Check your email", Message: "A password reset link has been sent to " + email})
	return nil
}

// UpdatePassword changes the signed-in operator's password.
func (s *Store) UpdatePassword(ctx context.Context, password string) error {
	if _, err := s.provider.UpdateUser(ctx, identity.UserAttributes{Password: password}); err != nil {
		s.notifier.Notify(notify.Toast{Level: notify.LevelError, Title: "Password update failed", Message: err.Error()})
		return fmt.Errorf("update password: %w", err)
	}
	s.notifier.Notify(notify.Toast{Level: notify.LevelSuccess, Title: "Password updated"})
	return nil
}

func (s *Store) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}
