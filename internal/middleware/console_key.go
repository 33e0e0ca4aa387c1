package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"fleetdesk/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// ConsoleKeyCookie carries the console key for browser requests.
	ConsoleKeyCookie = "fleetdesk_console"

	consoleKeyStoreKey = "console.key"
)

// ConsoleKeys binds the signed-in operator to the client that signed in.
// Sign-in mints a key; every guarded request must present it as a bearer
// token or cookie. The key lives in the same store as the provider tokens so
// it survives a restart alongside the restored session.
type ConsoleKeys struct {
	store storage.Store
}

func NewConsoleKeys(store storage.Store) *ConsoleKeys {
	return &ConsoleKeys{store: store}
}

// Issue replaces any existing key with a fresh one.
func (k *ConsoleKeys) Issue(ctx context.Context) (string, error) {
	key := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if err := k.store.Set(ctx, consoleKeyStoreKey, key); err != nil {
		return "", err
	}
	return key, nil
}

func (k *ConsoleKeys) Revoke(ctx context.Context) error {
	return k.store.Delete(ctx, consoleKeyStoreKey)
}

// Issued reports whether a key is on record.
func (k *ConsoleKeys) Issued(ctx context.Context) bool {
	v, err := k.store.Get(ctx, consoleKeyStoreKey)
	return err == nil && v != ""
}

// Valid reports whether presented matches the key on record. With no key on
// record nothing is valid.
func (k *ConsoleKeys) Valid(ctx context.Context, presented string) bool {
	if presented == "" {
		return false
	}
	want, err := k.store.Get(ctx, consoleKeyStoreKey)
	if err != nil || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(presented)) == 1
}

// PresentedKey reads the key from the Authorization header, falling back to
// the console cookie.
func PresentedKey(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if v, err := c.Cookie(ConsoleKeyCookie); err == nil {
		return v
	}
	return ""
}

// SetKeyCookie stores key in an HttpOnly, same-site cookie.
func SetKeyCookie(c *gin.Context, key string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(ConsoleKeyCookie, key, 0, "/", "", c.Request.TLS != nil, true)
}

func ClearKeyCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(ConsoleKeyCookie, "", -1, "/", "", c.Request.TLS != nil, true)
}
