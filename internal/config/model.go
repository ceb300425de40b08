// internal/config/model.go
//
// Typed configuration model for Formgate.
//
// Context
// -------
// These structs define the shape of the configuration tree that
// `internal/config/loader.go` builds from three overlay layers:
//
//   • optional `.env`                            – dotenv values,
//   • `conf/global.yaml`                         – primary static file,
//   • `FORMGATE_`-prefixed environment overrides – highest precedence.
//
// Any string value of the form `vault:<mount/path>#<key>` is resolved
// through the Vault client before unmarshalling, so the model never stores
// Vault references, only plain strings.
//
// Notes
// -----
//   • Struct tags use `koanf:"…"`, not `yaml:"…"`.
//   • Durations are written as Go duration strings ("8s", "30m").
//   • The `Paths` block is filled at runtime; YAML must not try to set it.

package config

import (
	"fmt"
	"strings"
	"time"
)

//
// HTTP section
//

// HTTP holds web-server tunables.
type HTTP struct {
	ListenAddr   string        `koanf:"listen_addr"   validate:"required,hostname_port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"  validate:"gte=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gte=0"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"  validate:"gte=0"`
}

//
// Backend section
//

// Backend points at the business API that owns the data.
type Backend struct {
	BaseURL         string        `koanf:"base_url"          validate:"required,url"`
	Token           string        `koanf:"token"`
	Timeout         time.Duration `koanf:"timeout"           validate:"gte=0"`
	ChecksPerSecond float64       `koanf:"checks_per_second" validate:"gte=0"`
	Burst           int           `koanf:"burst"             validate:"gte=0"`
	UniqueVia       string        `koanf:"unique_via"        validate:"omitempty,oneof=rest sql"`
}

//
// Database section
//

// Database is only needed when Backend.UniqueVia is "sql".  The DSN is a
// template whose single %s receives Password, so the secret can live in
// Vault while host and flags stay in YAML.
type Database struct {
	DSN      string `koanf:"dsn"`
	Password string `koanf:"password"`
	Table    string `koanf:"table"`     // Overrides the form's resource as the table name.
	IDColumn string `koanf:"id_column"` // Column compared against exclude_id.
}

// ResolvedDSN fills the password into the DSN template.
func (d Database) ResolvedDSN() string {
	if strings.Contains(d.DSN, "%s") {
		return fmt.Sprintf(d.DSN, d.Password)
	}
	return d.DSN
}

//
// Forms section
//

// Forms configures definitions and per-instance validation.
type Forms struct {
	Dir          string        `koanf:"dir"           validate:"required"`
	AsyncTimeout time.Duration `koanf:"async_timeout" validate:"gte=0"`
	CacheSize    int           `koanf:"cache_size"    validate:"gte=0"` // 0 = unbounded per instance.
	CacheTTL     time.Duration `koanf:"cache_ttl"     validate:"gte=0"`
}

//
// Instances section
//

// Instances bounds the live form registry.
type Instances struct {
	IdleTTL       time.Duration `koanf:"idle_ttl"       validate:"gte=0"`
	MaxEntries    int           `koanf:"max_entries"    validate:"gte=0"`
	EvictInterval time.Duration `koanf:"evict_interval" validate:"gte=0"`
	// TokenSecret signs instance tokens: base64url, 32+ bytes, usually a
	// vault: reference.  Empty generates a per-process key.
	TokenSecret string `koanf:"token_secret"`
}

//
// Log section
//

// Log configures the file logger.
type Log struct {
	Dir   string `koanf:"dir"`
	Level string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	Tee   bool   `koanf:"tee"`
}

//
// Paths section (runtime only)
//

// Paths is resolved at runtime, never set in YAML or env.
type Paths struct {
	Root string // FORMGATE_ROOT or discovered parent
}

//
// Root aggregate
//

// Config is the immutable aggregate returned by Load() and cached in an
// atomic.Pointer for lock-free reads throughout the app lifetime.
type Config struct {
	HTTP      HTTP      `koanf:"http"`
	Backend   Backend   `koanf:"backend"`
	Database  Database  `koanf:"database"`
	Forms     Forms     `koanf:"forms"`
	Instances Instances `koanf:"instances"`
	Log       Log       `koanf:"log"`
	Paths     Paths     `koanf:"-"`
}
