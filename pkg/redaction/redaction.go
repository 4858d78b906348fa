// Package redaction masks chat platform credentials and personal data before
// they reach log output.
package redaction

import (
	"regexp"
	"strings"
	"sync"
)

// Config holds redaction configuration.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// RedactTokens covers bot tokens, app tokens, bearer tokens and webhook URLs.
	RedactTokens bool `json:"redact_tokens" yaml:"redact_tokens"`

	RedactPasswords bool `json:"redact_passwords" yaml:"redact_passwords"`
	RedactEmails    bool `json:"redact_emails" yaml:"redact_emails"`

	// RedactPhoneNumbers is off by default: Slack message timestamps look
	// like ten digit phone numbers.
	RedactPhoneNumbers bool `json:"redact_phone_numbers" yaml:"redact_phone_numbers"`

	CustomPatterns []string `json:"custom_patterns" yaml:"custom_patterns"`
	Replacement    string   `json:"replacement" yaml:"replacement"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		RedactTokens:    true,
		RedactPasswords: true,
		RedactEmails:    true,
		Replacement:     "[REDACTED]",
	}
}

type pattern struct {
	name string
	re   *regexp.Regexp
}

var (
	tokenPatterns = []pattern{
		{"slack_token", regexp.MustCompile(`xox[abposre]-[A-Za-z0-9-]{10,}`)},
		{"slack_app_token", regexp.MustCompile(`xapp-\d-[A-Za-z0-9-]{10,}`)},
		{"slack_webhook", regexp.MustCompile(`https://hooks\.slack\.com/services/[A-Za-z0-9/_-]+`)},
		{"discord_token", regexp.MustCompile(`[MNO][A-Za-z\d_-]{23,27}\.[A-Za-z\d_-]{6}\.[A-Za-z\d_-]{27,40}`)},
		{"bearer_token", regexp.MustCompile(`(?i)bearer\s+([a-zA-Z0-9_\-\.]{20,})`)},
		{"named_token", regexp.MustCompile(`(?i)(api[_-]?key|auth[_-]?token|access[_-]?token|bot[_-]?token|app[_-]?token)\s*[=:]\s*['"]?([a-zA-Z0-9_\-\.]{12,})['"]?`)},
		{"json_secret", regexp.MustCompile(`"(?:api_key|secret|password|token|bot_token|app_token|webhook)"\s*:\s*"([^"]+)"`)},
	}
	passwordPattern = regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*['"]?([^'"\s]{4,})['"]?`)
	emailPattern    = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phonePatterns   = []*regexp.Regexp{
		regexp.MustCompile(`\+\d{1,3}[\s\-]?\d{1,4}[\s\-]?\d{1,4}[\s\-]?\d{1,9}`),
		regexp.MustCompile(`\(\d{3}\)\s*\d{3}[\s\-]?\d{4}`),
		regexp.MustCompile(`\b\d{3}[\s\-]?\d{3}[\s\-]?\d{4}\b`),
	}

	sensitiveKeys = []string{
		"password", "passwd", "secret", "token", "credential", "api_key", "apikey", "webhook",
	}
)

type Redactor struct {
	mu     sync.RWMutex
	config Config
	custom []*regexp.Regexp
}

// NewRedactor builds a Redactor. Custom patterns that fail to compile are
// skipped.
func NewRedactor(config Config) *Redactor {
	if config.Replacement == "" {
		config.Replacement = "[REDACTED]"
	}
	r := &Redactor{config: config}
	for _, expr := range config.CustomPatterns {
		if re, err := regexp.Compile(expr); err == nil {
			r.custom = append(r.custom, re)
		}
	}
	return r
}

func (r *Redactor) Redact(input string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.config.Enabled || input == "" {
		return input
	}

	result := input
	if r.config.RedactTokens {
		for _, p := range tokenPatterns {
			result = r.replaceGroups(p.re, result)
		}
	}
	if r.config.RedactPasswords {
		result = r.replaceGroups(passwordPattern, result)
	}
	if r.config.RedactEmails {
		result = emailPattern.ReplaceAllStringFunc(result, maskEmail)
	}
	if r.config.RedactPhoneNumbers {
		for _, re := range phonePatterns {
			result = re.ReplaceAllString(result, r.config.Replacement)
		}
	}
	for _, re := range r.custom {
		result = re.ReplaceAllString(result, r.config.Replacement)
	}
	return result
}

// replaceGroups masks the last capture group of every match, or the whole
// match when the pattern has no groups.
func (r *Redactor) replaceGroups(re *regexp.Regexp, input string) string {
	return re.ReplaceAllStringFunc(input, func(match string) string {
		sub := re.FindStringSubmatch(match)
		if len(sub) <= 1 {
			return r.config.Replacement
		}
		secret := sub[len(sub)-1]
		if secret == "" {
			return match
		}
		return strings.Replace(match, secret, r.config.Replacement, 1)
	})
}

func maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "[REDACTED]"
	}
	return local[:1] + "***@" + domain
}

// RedactFields returns a copy of fields with sensitive keys replaced and
// string values redacted. Nested maps are handled recursively.
func (r *Redactor) RedactFields(fields map[string]any) map[string]any {
	r.mu.RLock()
	enabled := r.config.Enabled
	replacement := r.config.Replacement
	r.mu.RUnlock()

	if !enabled {
		return fields
	}

	result := make(map[string]any, len(fields))
	for k, v := range fields {
		if isSensitiveKey(k) {
			result[k] = replacement
			continue
		}
		switch val := v.(type) {
		case string:
			result[k] = r.Redact(val)
		case error:
			result[k] = r.Redact(val.Error())
		case map[string]any:
			result[k] = r.RedactFields(val)
		default:
			result[k] = v
		}
	}
	return result
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sk := range sensitiveKeys {
		if strings.Contains(lower, sk) {
			return true
		}
	}
	return false
}

func (r *Redactor) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.Enabled = enabled
}

var (
	globalMu       sync.RWMutex
	globalRedactor = NewRedactor(DefaultConfig())
)

func global() *Redactor {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalRedactor
}

// Redact applies redaction using the process-wide redactor.
func Redact(input string) string {
	return global().Redact(input)
}

func RedactFields(fields map[string]any) map[string]any {
	return global().RedactFields(fields)
}

// SetGlobalConfig replaces the process-wide redactor.
func SetGlobalConfig(config Config) {
	r := NewRedactor(config)
	globalMu.Lock()
	globalRedactor = r
	globalMu.Unlock()
}
