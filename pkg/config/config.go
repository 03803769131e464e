// Package config reads engine settings from the environment.
package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"idsync/pkg/hardening"
	"idsync/pkg/ledger"
	"idsync/pkg/models"
	"idsync/pkg/reconcile"
	"idsync/pkg/roster"
)

const (
	ConnectorsMemory = "memory"
	ConnectorsRedis  = "redis"
	ConnectorsHTTP   = "http"

	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"

	LockNone   = "none"
	LockMemory = "memory"
	LockRedis  = "redis"
)

type Config struct {
	PolicyFile string
	Mode       models.Mode
	Actor      string

	Workers       int
	CallTimeout   time.Duration
	RetryAttempts int
	RetryBase     time.Duration
	RetryMax      time.Duration
	LockTTL       time.Duration

	Connectors     string
	ConnectorRate  int
	RateWindow     time.Duration
	HTTPConnectors map[string]string
	HTTPToken      string
	Ledger         string
	Lock           string

	Redact   bool
	HashSalt string

	Kafka       roster.KafkaConfig
	Addr        string
	Environment string
}

// FromEnv reads the process environment.
func FromEnv() (Config, error) { return Load(os.Getenv) }

// Load builds a Config from getenv. Malformed values are reported as
// configuration errors naming the variable.
func Load(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}
	cfg := Config{
		PolicyFile:    r.str("IDSYNC_POLICY_FILE", "policy.yaml"),
		Mode:          models.Mode(strings.ToUpper(r.str("IDSYNC_MODE", string(models.DryRun)))),
		Actor:         r.str("IDSYNC_ACTOR", "system"),
		Workers:       r.int("IDSYNC_WORKERS", 4),
		CallTimeout:   r.millis("IDSYNC_CALL_TIMEOUT_MS", 10000),
		RetryAttempts: r.int("IDSYNC_RETRY_ATTEMPTS", 3),
		RetryBase:     r.millis("IDSYNC_RETRY_BASE_MS", 200),
		RetryMax:      r.millis("IDSYNC_RETRY_MAX_MS", 5000),
		LockTTL:       r.millis("IDSYNC_LOCK_TTL_MS", int(time.Hour/time.Millisecond)),
		Connectors:    strings.ToLower(r.str("IDSYNC_CONNECTOR_MODE", ConnectorsMemory)),
		ConnectorRate: r.int("IDSYNC_CONNECTOR_RATE", 0),
		RateWindow:    r.millis("IDSYNC_CONNECTOR_RATE_WINDOW_MS", 1000),
		HTTPToken:     r.str("IDSYNC_HTTP_TOKEN", ""),
		Ledger:        strings.ToLower(r.str("IDSYNC_LEDGER", LedgerMemory)),
		Lock:          strings.ToLower(r.str("IDSYNC_LOCK", LockMemory)),
		Redact:        r.bool("IDSYNC_REDACT", false),
		HashSalt:      r.str("IDSYNC_HASH_SALT", ""),
		Kafka: roster.KafkaConfig{
			Brokers:     splitList(r.str("IDSYNC_KAFKA_BROKERS", "")),
			Topic:       r.str("IDSYNC_KAFKA_TOPIC", "hr.person.events"),
			GroupID:     r.str("IDSYNC_KAFKA_GROUP", "idsync"),
			MaxBatch:    r.int("IDSYNC_KAFKA_MAX_BATCH", 500),
			IdleTimeout: r.millis("IDSYNC_KAFKA_IDLE_MS", 5000),
		},
		Addr:        r.str("ADDR", ":8090"),
		Environment: r.str("ENVIRONMENT", "development"),
	}
	cfg.HTTPConnectors = r.pairs("IDSYNC_HTTP_CONNECTORS")
	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if err := hardening.ValidateProduction(cfg.hardeningOptions(getenv)); err != nil {
		return Config{}, models.ConfigErrorf("ENVIRONMENT", "%v", err)
	}
	return cfg, nil
}

func (c Config) hardeningOptions(getenv func(string) string) hardening.Options {
	o := hardening.Options{
		Environment:           c.Environment,
		StrictProdSecurity:    getenv("STRICT_PROD_SECURITY"),
		Ledger:                c.Ledger,
		DatabaseRequireTLS:    getenv("DATABASE_REQUIRE_TLS"),
		UsesRedis:             c.usesRedis(),
		RedisRequireTLS:       getenv("REDIS_REQUIRE_TLS"),
		RedisTLSInsecure:      getenv("REDIS_TLS_INSECURE"),
		RedisAllowInsecureTLS: getenv("REDIS_ALLOW_INSECURE_TLS"),
		Redact:                c.Redact,
	}
	if c.Connectors == ConnectorsHTTP {
		o.ConnectorURLs = c.HTTPConnectors
	}
	return o
}

func (c Config) usesRedis() bool {
	return c.Connectors == ConnectorsRedis || c.Lock == LockRedis
}

func (c Config) validate() error {
	if !c.Mode.Valid() {
		return models.ConfigErrorf("IDSYNC_MODE", "unknown mode %q", c.Mode)
	}
	switch c.Connectors {
	case ConnectorsMemory, ConnectorsRedis:
	case ConnectorsHTTP:
		if len(c.HTTPConnectors) == 0 {
			return models.ConfigErrorf("IDSYNC_HTTP_CONNECTORS", "required when IDSYNC_CONNECTOR_MODE=http")
		}
	default:
		return models.ConfigErrorf("IDSYNC_CONNECTOR_MODE", "unknown connector mode %q", c.Connectors)
	}
	switch c.Ledger {
	case LedgerMemory, LedgerPostgres:
	default:
		return models.ConfigErrorf("IDSYNC_LEDGER", "unknown ledger %q", c.Ledger)
	}
	switch c.Lock {
	case LockNone, LockMemory, LockRedis:
	default:
		return models.ConfigErrorf("IDSYNC_LOCK", "unknown lock backend %q", c.Lock)
	}
	if c.Redact && strings.TrimSpace(c.HashSalt) == "" {
		return models.ConfigErrorf("IDSYNC_HASH_SALT", "required when IDSYNC_REDACT=true")
	}
	return nil
}

// Options maps the run tuning knobs onto reconcile.Options.
func (c Config) Options() reconcile.Options {
	return reconcile.Options{
		Workers:     c.Workers,
		CallTimeout: c.CallTimeout,
		Retry: reconcile.RetryPolicy{
			Attempts:  c.RetryAttempts,
			BaseDelay: c.RetryBase,
			MaxDelay:  c.RetryMax,
		},
		Actor:   c.Actor,
		LockTTL: c.LockTTL,
	}
}

// Redactor returns nil when redaction is off.
func (c Config) Redactor() *ledger.Redactor {
	if !c.Redact {
		return nil
	}
	return ledger.NewRedactor(c.HashSalt)
}

// HTTPSystems lists the systems configured with an HTTP endpoint.
func (c Config) HTTPSystems() []string {
	out := make([]string, 0, len(c.HTTPConnectors))
	for name := range c.HTTPConnectors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// reader keeps the first parse error so Load can read every variable in one
// pass.
type reader struct {
	getenv func(string) string
	err    error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		r.fail(key, "expected a non-negative integer, got %q", raw)
		return def
	}
	return n
}

func (r *reader) millis(key string, def int) time.Duration {
	return time.Duration(r.int(key, def)) * time.Millisecond
}

func (r *reader) bool(key string, def bool) bool {
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(key, "expected a boolean, got %q", raw)
		return def
	}
	return b
}

// pairs parses "name=value,name=value".
func (r *reader) pairs(key string) map[string]string {
	out := map[string]string{}
	for _, item := range splitList(r.getenv(key)) {
		name, value, ok := strings.Cut(item, "=")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			r.fail(key, "expected system=url, got %q", item)
			continue
		}
		if _, dup := out[name]; dup {
			r.fail(key, "system %q listed twice", name)
			continue
		}
		out[name] = value
	}
	return out
}

func (r *reader) fail(key, format string, args ...any) {
	if r.err == nil {
		r.err = models.ConfigErrorf(key, format, args...)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
