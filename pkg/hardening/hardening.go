// Package hardening refuses insecure engine settings in production-like
// environments.
package hardening

import (
	"fmt"
	"net/url"
	"strings"
)

// Options carries the raw settings checked by ValidateProduction. Values are
// strings as read from the environment so callers need not parse them first.
type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	Ledger                string
	DatabaseRequireTLS    string
	UsesRedis             bool
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	Redact                bool
	ConnectorURLs         map[string]string
}

// ValidateProduction returns the first violated rule, or nil when the
// environment is not production-like or STRICT_PROD_SECURITY=false.
func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "idsync"
	}
	switch strings.ToLower(strings.TrimSpace(o.Ledger)) {
	case "", "memory":
		return fmt.Errorf("%s: strict production hardening requires a durable ledger (IDSYNC_LEDGER=postgres)", service)
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if o.UsesRedis {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if !o.Redact {
		return fmt.Errorf("%s: strict production hardening requires IDSYNC_REDACT=true", service)
	}
	for system, raw := range o.ConnectorURLs {
		if err := validateConnectorURL(raw); err != nil {
			return fmt.Errorf("%s: connector %s: %w", service, system, err)
		}
	}
	return nil
}

func validateConnectorURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid endpoint %q", raw)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("strict production hardening requires an https endpoint, got %q", raw)
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return fmt.Errorf("strict production hardening forbids loopback endpoint %q", raw)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func IsProductionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
