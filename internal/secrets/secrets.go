// Package secrets resolves connection credentials from the environment and
// keeps them out of logs.
package secrets

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
)

// ErrNotFound is returned when a secret key has no value.
var ErrNotFound = errors.New("secret not found")

// Provider hands out named secrets. The soak tooling only ever reads.
type Provider interface {
	Get(key string) (string, error)
}

// EnvProvider reads secrets from environment variables, uppercasing the key
// and applying an optional prefix: Get("redis_url") → $SOAK_REDIS_URL.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider builds a provider with the given env prefix ("" for none).
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) envKey(key string) string {
	k := strings.ToUpper(key)
	if p.prefix == "" {
		return k
	}
	return strings.ToUpper(p.prefix) + "_" + k
}

// Get returns the secret value or ErrNotFound.
func (p *EnvProvider) Get(key string) (string, error) {
	v := os.Getenv(p.envKey(key))
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p.envKey(key))
	}
	return v, nil
}

var sensitiveKeyRe = regexp.MustCompile(`(?i)(password|secret|key|token|dsn|auth|credential)`)

// IsSensitive reports whether a key name looks credential-bearing and must
// be redacted before logging.
func IsSensitive(key string) bool {
	return sensitiveKeyRe.MatchString(key)
}

// RedactURL strips userinfo from a connection URL so it can be logged.
// Unparseable input redacts wholesale rather than leaking.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<redacted>"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}
