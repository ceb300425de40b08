// internal/config/loader.go
//
// Configuration loader.
//
/*
Context
--------
`Load()` builds one immutable `Config` struct from three layers (highest
precedence last):

  1. Optional `.env` file at `<root>/conf/.env`.
  2. `conf/global.yaml`.
  3. Environment variables prefixed `FORMGATE_`, where `__` maps to “.”
     (e.g., `FORMGATE_BACKEND__BASE_URL → backend.base_url`).

After merging, `vault:` references are swapped for their secrets, the tree
is unmarshalled into typed structs, defaults are filled, the result is
validated, and it is cached in an `atomic.Pointer` for lock-free reads.

Instrumentation
---------------
  • DEBUG spans: root discovery, YAML read, env overlay.
  • ERROR spans: YAML parse, env overlay, secret lookup, unmarshal,
    validation failures.
  • INFO  span:  final “config loaded” with key highlights.
  • Logs use the global sugared logger (`zap.S()`) so early boot issues
    surface before the file logger is installed.
*/
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	koanf "github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/yanizio/formgate/internal/vault"
)

const envPrefix = "FORMGATE_"

var current atomic.Pointer[Config]

// SecretSource resolves KV-v2 secrets.  *vault.Client satisfies it.
type SecretSource interface {
	GetKV(ctx context.Context, secretPath, key string, ttl time.Duration) (string, error)
}

// newSecretSource is called only when the tree holds at least one vault:
// reference, so deployments without Vault never dial it.
var newSecretSource = func(ctx context.Context) (SecretSource, error) {
	return vault.New(ctx, zap.S())
}

/*──────────────────────────── root discovery ───────────────────────────────*/

// rootDir resolves FORMGATE_ROOT or climbs directories until
// conf/global.yaml is found.  Falls back to the executable's parent when
// the binary lives in bin/.
func rootDir() string {
	if r := os.Getenv(envPrefix + "ROOT"); r != "" {
		return r
	}

	wd, _ := os.Getwd()
	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "conf", "global.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir { // reached filesystem root
			break
		}
		dir = parent
	}

	exe, _ := os.Executable()
	if filepath.Base(filepath.Dir(exe)) == "bin" {
		return filepath.Dir(filepath.Dir(exe))
	}
	return wd
}

/*─────────────────────────────── loader ───────────────────────────────────*/

// Load reads .env, YAML, env overrides, resolves secrets, validates, and
// caches Config.
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, rootDir(), nil)
}

func load(ctx context.Context, root string, secrets SecretSource) (*Config, error) {
	zap.S().Debugw("config root resolved", "root", root)

	// .env (optional, no error if missing)
	_ = godotenv.Load(filepath.Join(root, "conf", ".env"))

	k := koanf.New(".")

	yamlPath := filepath.Join(root, "conf", "global.yaml")
	if err := k.Load(file.Provider(yamlPath), yaml.Parser()); err != nil {
		zap.S().Errorw("config yaml load failed", "file", yamlPath, "err", err)
		return nil, err
	}
	zap.S().Debugw("config yaml loaded", "file", yamlPath)

	// Env overrides: FORMGATE_HTTP__LISTEN_ADDR → http.listen_addr
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, envPrefix), "__", "."))
	}), nil); err != nil {
		zap.S().Errorw("config env overlay failed", "err", err)
		return nil, err
	}

	if err := resolveSecrets(ctx, k, secrets); err != nil {
		zap.S().Errorw("config secret resolution failed", "err", err)
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		zap.S().Errorw("config unmarshal failed", "err", err)
		return nil, err
	}

	cfg.Paths.Root = root
	applyDefaults(&cfg)
	if err := validateStruct(&cfg); err != nil {
		zap.S().Errorw("config validation failed", "err", err)
		return nil, err
	}

	current.Store(&cfg)
	zap.S().Infow("config loaded",
		"listen_addr", cfg.HTTP.ListenAddr,
		"backend", cfg.Backend.BaseURL,
		"forms_dir", cfg.Forms.Dir,
		"root", cfg.Paths.Root,
	)
	return &cfg, nil
}

// resolveSecrets replaces every "vault:path#key" string in k.
func resolveSecrets(ctx context.Context, k *koanf.Koanf, src SecretSource) error {
	for _, key := range k.Keys() {
		raw, ok := k.Get(key).(string)
		if !ok || !strings.HasPrefix(raw, vault.RefPrefix) {
			continue
		}
		path, field, err := vault.ParseRef(raw)
		if err != nil {
			return fmt.Errorf("config %s: %w", key, err)
		}
		if src == nil {
			if src, err = newSecretSource(ctx); err != nil {
				return fmt.Errorf("config %s: %w", key, err)
			}
		}
		val, err := src.GetKV(ctx, path, field, 0)
		if err != nil {
			return fmt.Errorf("config %s: %w", key, err)
		}
		if err := k.Set(key, val); err != nil {
			return err
		}
		zap.S().Debugw("config secret resolved", "key", key, "path", path)
	}
	return nil
}

// applyDefaults fills zero values the YAML left out.  Relative paths are
// anchored at the root.
func applyDefaults(c *Config) {
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 10 * time.Second
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = 30 * time.Second
	}
	if c.HTTP.IdleTimeout == 0 {
		c.HTTP.IdleTimeout = 60 * time.Second
	}
	if c.Backend.UniqueVia == "" {
		c.Backend.UniqueVia = "rest"
	}
	if c.Database.IDColumn == "" {
		c.Database.IDColumn = "id"
	}
	if c.Forms.Dir != "" && !filepath.IsAbs(c.Forms.Dir) {
		c.Forms.Dir = filepath.Join(c.Paths.Root, c.Forms.Dir)
	}
	if c.Log.Dir == "" {
		c.Log.Dir = "logs"
	}
	if !filepath.IsAbs(c.Log.Dir) {
		c.Log.Dir = filepath.Join(c.Paths.Root, c.Log.Dir)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

/*──────────────────────────── helpers ─────────────────────────────────────*/

// Get returns the most recently loaded Config, or nil before Load.
func Get() *Config { return current.Load() }
