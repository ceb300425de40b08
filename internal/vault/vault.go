// internal/vault/vault.go
//
// Vault client wrapper.
//
// Context
// -------
//   - Wraps the HashiCorp Vault Go SDK for the one job Formgate needs:
//     reading KV-v2 secrets referenced from configuration, such as the
//     backend bearer token or the database password.
//   - A reference looks like "vault:secret/formgate#backend_token", where
//     "secret" is the mount, "formgate" the path, and "backend_token" the key.
//   - Adds background token renewal and per-key caching.
//
// Public workflow
// ---------------
//  1. cli, err := vault.New(ctx, log)                 // during boot.
//  2. path, key, err := vault.ParseRef(raw)           // from config.
//  3. val, err := cli.GetKV(ctx, path, key, ttl)
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

//
// SECTION 1.  Public façade
//

// RefPrefix marks a configuration value that names a Vault secret.
const RefPrefix = "vault:"

// ParseRef splits "vault:<mount/path>#<key>" into its secret path and key.
func ParseRef(ref string) (secretPath, key string, err error) {
	body, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok {
		return "", "", fmt.Errorf("vault ref %q: missing %q prefix", ref, RefPrefix)
	}
	secretPath, key, ok = strings.Cut(body, "#")
	if !ok || key == "" || !strings.Contains(secretPath, "/") {
		return "", "", fmt.Errorf("vault ref %q: want vault:<mount/path>#<key>", ref)
	}
	return secretPath, key, nil
}

// Client is safe for concurrent use.  Create once at startup.  Zero value is
// invalid.
type Client struct {
	api *vault.Client
	log *zap.SugaredLogger

	cacheMu sync.RWMutex
	cache   map[string]cached // canonical path#key → value + expiry.
}

type cached struct {
	val string
	exp time.Time
}

// New constructs a Vault client and starts a background token-renewal loop.
//
// Environment expectations
// ------------------------
// • VAULT_ADDR   – scheme and host of the Vault server.
// • VAULT_TOKEN  – initial token (falls back to ~/.vault-token).
func New(ctx context.Context, log *zap.SugaredLogger) (*Client, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	cfg := vault.DefaultConfig()
	if err := cfg.ReadEnvironment(); err != nil {
		return nil, fmt.Errorf("vault env cfg: %w", err)
	}

	apiCli, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault api: %w", err)
	}

	if tok := os.Getenv("VAULT_TOKEN"); tok != "" {
		apiCli.SetToken(tok)
	}

	c := &Client{
		api:   apiCli,
		log:   log,
		cache: make(map[string]cached),
	}

	go c.renewLoop(ctx)

	return c, nil
}

// GetKV fetches a single key from a KV-v2 secret.  If ttl > 0 the result is
// cached for that duration.  Subsequent callers within the TTL receive the
// cached copy.
func (c *Client) GetKV(ctx context.Context, secretPath, key string, ttl time.Duration) (string, error) {
	if secretPath == "" || key == "" {
		return "", errors.New("secret path and key must be non-empty")
	}

	canonical := secretPath + "#" + key

	if ttl > 0 {
		c.cacheMu.RLock()
		if cv, ok := c.cache[canonical]; ok && time.Now().Before(cv.exp) {
			c.cacheMu.RUnlock()
			return cv.val, nil
		}
		c.cacheMu.RUnlock()
	}

	mount, rel := splitMount(secretPath)
	sec, err := c.api.KVv2(mount).Get(ctx, rel)
	if err != nil {
		return "", fmt.Errorf("vault get %s: %w", secretPath, err)
	}

	raw, ok := sec.Data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret %q", key, secretPath)
	}

	sval, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("value at %s#%s is not a string", secretPath, key)
	}

	if ttl > 0 {
		c.cacheMu.Lock()
		c.cache[canonical] = cached{val: sval, exp: time.Now().Add(ttl)}
		c.cacheMu.Unlock()
	}

	return sval, nil
}

//
// SECTION 2.  Background token renewal
//

func (c *Client) renewLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Probe the current token.
		sec, err := c.api.Auth().Token().RenewSelf(0)
		if err != nil {
			c.log.Warnw("vault token renew-self failed", "err", err)
			backoff(ctx, 30*time.Second)
			continue
		}

		if sec == nil || sec.Auth == nil || !sec.Auth.Renewable {
			c.log.Infow("vault token is not renewable, sleeping 1h")
			backoff(ctx, time.Hour)
			continue
		}

		renewer, err := c.api.NewRenewer(&vault.RenewerInput{
			Secret: sec,
			Grace:  15 * time.Second,
		})
		if err != nil {
			c.log.Warnw("vault renewer init failed", "err", err)
			backoff(ctx, 30*time.Second)
			continue
		}

		go renewer.Renew()
		if !c.watch(ctx, renewer) {
			return
		}
		backoff(ctx, 15*time.Second)
	}
}

// watch relays renewer events until renewal stops.  It returns false when
// ctx ended.
func (c *Client) watch(ctx context.Context, renewer *vault.Renewer) bool {
	defer renewer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-renewer.DoneCh():
			if err != nil {
				c.log.Warnw("vault token renewal stopped", "err", err)
			}
			return true
		case ev := <-renewer.RenewCh():
			if ev != nil && ev.Secret != nil && ev.Secret.Auth != nil {
				c.log.Debugw("vault token renewed", "ttl_s", ev.Secret.Auth.LeaseDuration)
			}
		}
	}
}

//
// SECTION 3.  Helpers
//

func splitMount(p string) (mount, rel string) {
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	mount = parts[0]
	if len(parts) == 2 {
		rel = parts[1]
	}
	return
}

func backoff(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
