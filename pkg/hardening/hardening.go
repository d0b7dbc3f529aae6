// Package hardening refuses to start the shop in production-like
// environments with transport or secret settings that are only fit for
// local development.
package hardening

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ike666888/RemnaShop-Pro/pkg/config"
)

// MinOperatorTokenLen is the shortest operator token accepted in production.
const MinOperatorTokenLen = 24

type Secret struct {
	Name  string
	Value string
}

// ValidateProduction checks cfg when Environment is production or staging
// and strict_security is on. Anything else passes unchecked.
func ValidateProduction(cfg config.Config) error {
	if !isProductionLikeEnv(cfg.Environment) || !cfg.Strict {
		return nil
	}
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = "remnashop"
	}
	if !cfg.Database.RequireTLS {
		return fmt.Errorf("%s: strict production hardening requires database.require_tls=true", service)
	}
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		if !cfg.Redis.RequireTLS {
			return fmt.Errorf("%s: strict production hardening requires redis.require_tls=true", service)
		}
		if cfg.Redis.TLSInsecure || cfg.Redis.AllowInsecureTLS {
			return fmt.Errorf("%s: strict production hardening forbids redis.tls_insecure/redis.allow_insecure_tls", service)
		}
	}
	if err := validatePanelURL(cfg.Panel.URL, service); err != nil {
		return err
	}
	if len(strings.TrimSpace(cfg.HTTP.OperatorToken)) < MinOperatorTokenLen {
		return fmt.Errorf("%s: strict production hardening requires http.operator_token of at least %d characters", service, MinOperatorTokenLen)
	}
	if err := validateCORSOrigins(cfg.HTTP.CORSOrigins, service); err != nil {
		return err
	}
	for _, req := range []Secret{
		{Name: "panel.token", Value: cfg.Panel.Token},
		{Name: "http.operator_ids", Value: strings.Join(cfg.HTTP.OperatorIDs, ",")},
	} {
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func validatePanelURL(raw, service string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s: strict production hardening requires an absolute panel.url", service)
	}
	if !strings.EqualFold(u.Scheme, "https") && !isLoopback(u.Hostname()) {
		return fmt.Errorf("%s: strict production hardening requires https panel.url, got %q", service, u.Scheme)
	}
	return nil
}

// validateCORSOrigins allows an empty list, which disables CORS entirely.
func validateCORSOrigins(raw, service string) error {
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	return nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
