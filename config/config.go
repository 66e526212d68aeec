// Package config holds every provider-specific constant the login flow
// depends on, plus the knobs callers may tune (timeouts, throttling).
//
// The identity provider's authorize endpoint is called with a fixed
// client id, scope list and state/nonce pair. The provider does not
// currently validate state or nonce per session; these values are a
// fragility of the upstream flow, not a contract, which is why they all
// live in this one table instead of being scattered through the
// transport code.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. Programmatic callers can start from
// Default() and override fields directly.
package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Config is the single configuration table for the client.
type Config struct {
	// AccountsURL is the identity provider root. Every challenge and
	// authorize endpoint is derived from it.
	AccountsURL string `env:"MAGISTER_ACCOUNTS_URL" envDefault:"https://accounts.magister.net"`

	// DiscoveryURL is the well-known document that maps a profile token
	// to the school-tenant API root.
	DiscoveryURL string `env:"MAGISTER_DISCOVERY_URL" envDefault:"https://magister.net/.well-known/host-meta.json"`

	// ProfileClientID is the OIDC client used for the profile-scope
	// implicit flow.
	ProfileClientID string `env:"MAGISTER_PROFILE_CLIENT_ID" envDefault:"iam-profile"`

	// ProfileRedirectPath is appended to AccountsURL to form the
	// profile flow redirect URI.
	ProfileRedirectPath string `env:"MAGISTER_PROFILE_REDIRECT_PATH" envDefault:"/profile/oidc/redirect_callback.html"`

	// ProfileScopes is the space-separated scope list for the profile
	// flow.
	ProfileScopes string `env:"MAGISTER_PROFILE_SCOPES" envDefault:"openid profile email magister.iam.profile"`

	// AppClientIDPrefix is prepended to the tenant API host to form the
	// tenant-app client id (e.g. "M6-myschool.magister.net").
	AppClientIDPrefix string `env:"MAGISTER_APP_CLIENT_ID_PREFIX" envDefault:"M6-"`

	// AppRedirectPath is appended to the tenant host to form the app
	// flow redirect URI.
	AppRedirectPath string `env:"MAGISTER_APP_REDIRECT_PATH" envDefault:"/oidc/redirect_callback.html"`

	// AppScopes is the space-separated scope list for the tenant-app
	// flow.
	AppScopes string `env:"MAGISTER_APP_SCOPES" envDefault:"openid profile opp.read opp.manage attendance.overview attendance.administration calendar.user calendar.ical.user calendar.to-do.user grades.read grades.manage oso.administration registration.admin lockers.administration enrollment.admin"`

	// State and Nonce are sent verbatim on every authorize request. The
	// provider ignores them today; if it ever starts validating them
	// per session these defaults stop working.
	State string `env:"MAGISTER_STATE" envDefault:"57dcb9c3b667407791ff32a7af41e703"`
	Nonce string `env:"MAGISTER_NONCE" envDefault:"ec78d557c0e44751bf573db6719445cd"`

	// Timeout is the per-request budget. Requests that exceed it are
	// reported as timeouts, there is no other cancellation primitive.
	Timeout time.Duration `env:"MAGISTER_TIMEOUT" envDefault:"15s"`

	// RequestsPerSecond throttles outgoing requests when > 0. Zero
	// disables throttling.
	RequestsPerSecond float64 `env:"MAGISTER_RPS" envDefault:"0"`
}

// Load reads the configuration from environment variables and applies
// guardrails.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "[config.Load] env.Parse")
	}
	c.Sanitize()
	return c, nil
}

// Default returns the built-in configuration, ignoring the process
// environment.
func Default() Config {
	var c Config
	// Parsing against an empty environment leaves only the tag defaults.
	_ = env.ParseWithOptions(&c, env.Options{Environment: map[string]string{}})
	c.Sanitize()
	return c
}

// Sanitize applies guardrails to configuration values.
func (c *Config) Sanitize() {
	c.AccountsURL = strings.TrimRight(c.AccountsURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.RequestsPerSecond < 0 {
		c.RequestsPerSecond = 0
	}
}

// AuthorizeURL returns the provider's authorize endpoint.
func (c Config) AuthorizeURL() string {
	return c.AccountsURL + "/connect/authorize"
}

// ChallengeURL returns the endpoint for one login challenge ("tenant",
// "username", "password" or "tenant/search").
func (c Config) ChallengeURL(kind string) string {
	return c.AccountsURL + "/challenges/" + kind
}
