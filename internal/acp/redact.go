// ABOUTME: Secret redaction for diagnostic output leaving the agent stream
// ABOUTME: Applied before any line is logged or forwarded, never after

package acp

import "strings"

// RedactedPlaceholder replaces secret values in forwarded output.
const RedactedPlaceholder = "[REDACTED]"

// minSecretLength guards against redacting trivially short values that would
// shred unrelated text.
const minSecretLength = 6

// secretEnvKeys are environment variables whose values are treated as
// secrets when present.
var secretEnvKeys = []string{
	"GH_TOKEN",
	"GITHUB_TOKEN",
	"OPENAI_API_KEY",
	"CODEX_API_KEY",
	"GITLAB_TOKEN",
	"GITLAB_ACCESS_TOKEN",
}

// Redactor replaces known secret values in text.
type Redactor struct {
	secrets []string
}

// NewRedactor builds a redactor from explicit secret values. Values shorter
// than six characters are ignored.
func NewRedactor(values []string) *Redactor {
	r := &Redactor{}
	for _, v := range values {
		if len(v) >= minSecretLength {
			r.secrets = append(r.secrets, v)
		}
	}
	return r
}

// NewRedactorFromEnv picks secret values out of an environment map by the
// well-known credential keys.
func NewRedactorFromEnv(env map[string]string) *Redactor {
	var values []string
	for _, key := range secretEnvKeys {
		if v, ok := env[key]; ok {
			values = append(values, v)
		}
	}
	return NewRedactor(values)
}

// Redact returns line with every known secret value replaced.
func (r *Redactor) Redact(line string) string {
	for _, secret := range r.secrets {
		line = strings.ReplaceAll(line, secret, RedactedPlaceholder)
	}
	return line
}
