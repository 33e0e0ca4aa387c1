package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fleetdesk/internal/storage"
)

// persister keeps the current session in local storage.
type persister struct {
	store storage.Store
}

func (p persister) load(ctx context.Context) (*Session, error) {
	raw, err := p.store.Get(ctx, storage.KeyAuthToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		// unreadable state is treated as signed out
		_ = p.clear(ctx)
		return nil, nil
	}
	if s.AccessToken == "" {
		return nil, nil
	}
	return &s, nil
}

func (p persister) save(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := p.store.Set(ctx, storage.KeyAuthToken, string(raw)); err != nil {
		return err
	}
	if err := p.store.Set(ctx, storage.KeyAccessToken, s.AccessToken); err != nil {
		return err
	}
	return p.store.Set(ctx, storage.KeyRefreshToken, s.RefreshToken)
}

func (p persister) clear(ctx context.Context) error {
	return p.store.Delete(ctx, storage.TokenKeys...)
}
