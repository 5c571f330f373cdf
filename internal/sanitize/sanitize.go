// Package sanitize masks secrets in text destined for logs and
// artifacts: a built-in catalogue of secret patterns plus the values of
// configured sensitive environment variables.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// MinSecretLen guards against masking trivially short env values, which
// would shred unrelated text.
const MinSecretLen = 8

type pattern struct {
	name string
	re   *regexp.Regexp
}

var builtinPatterns = []pattern{
	{"anthropic_key", regexp.MustCompile(`sk-ant-[A-Za-z0-9\-_]{20,}`)},
	{"openai_key", regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"pem_block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"generic_secret", regexp.MustCompile(`(?i)\b(api_key|apikey|secret|password|token)\s*[:=]\s*\S+`)},
}

// Sanitizer rewrites text to mask secrets. Zero value masks only the
// built-in catalogue.
type Sanitizer struct {
	envValues map[string]string // env var name → value, pre-resolved
}

// New builds a Sanitizer masking the values of the named env vars.
// lookup is typically os.LookupEnv. Values shorter than MinSecretLen
// are ignored.
func New(sensitiveEnvVars []string, lookup func(string) (string, bool)) *Sanitizer {
	values := make(map[string]string, len(sensitiveEnvVars))
	for _, name := range sensitiveEnvVars {
		if name == "" {
			continue
		}
		if v, ok := lookup(name); ok && len(v) >= MinSecretLen {
			values[name] = v
		}
	}
	return &Sanitizer{envValues: values}
}

// Redact masks secret patterns and sensitive env values in text.
func (s *Sanitizer) Redact(text string) string {
	if text == "" {
		return text
	}
	for _, p := range builtinPatterns {
		text = p.re.ReplaceAllString(text, fmt.Sprintf("[REDACTED:%s]", p.name))
	}
	if s != nil {
		for name, value := range s.envValues {
			text = strings.ReplaceAll(text, value, fmt.Sprintf("[REDACTED:env:%s]", name))
		}
	}
	return text
}
