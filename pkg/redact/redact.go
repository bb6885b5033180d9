package redact

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/goliatone/go-jobqueue/pkg/domain"
	masker "github.com/goliatone/go-masker"
)

const maskType = "preserveEnds(2,2)"

// MaxLen caps the rendered size of a payload in log lines.
const MaxLen = 512

var defaultSensitiveFields = []string{
	"password", "passwd", "token", "access_token", "refresh_token",
	"api_key", "apikey", "client_secret", "secret", "signing_key",
	"authorization", "cookie", "ssn", "card_number",
}

var (
	mu        sync.RWMutex
	sensitive = map[string]struct{}{}
)

func init() {
	RegisterFields(defaultSensitiveFields...)
}

// RegisterFields marks additional object keys whose values are masked.
// Matching is case-insensitive.
func RegisterFields(fields ...string) {
	mu.Lock()
	defer mu.Unlock()
	for _, field := range fields {
		field = strings.ToLower(strings.TrimSpace(field))
		if field == "" {
			continue
		}
		sensitive[field] = struct{}{}
		masker.Default.RegisterMaskField(field, maskType)
	}
}

// Fields lists the registered sensitive keys.
func Fields() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(sensitive))
	for field := range sensitive {
		out = append(out, field)
	}
	sort.Strings(out)
	return out
}

// Payload renders a job payload for logging with sensitive keys masked and
// the output truncated to MaxLen.
func Payload(p domain.Payload) string {
	if p.IsAbsent() {
		return "<absent>"
	}
	value, err := p.Any()
	if err != nil {
		return fmt.Sprintf("<invalid payload: %d bytes>", len(p))
	}
	data, err := json.Marshal(Value(value))
	if err != nil {
		return fmt.Sprintf("<unprintable payload: %d bytes>", len(p))
	}
	return truncate(string(data))
}

// Value returns a copy of v with the values of sensitive object keys masked.
func Value(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			if isSensitive(key) {
				out[key] = maskAny(item)
				continue
			}
			out[key] = Value(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = Value(item)
		}
		return out
	default:
		return v
	}
}

// String masks a single value.
func String(value string) string {
	if value == "" {
		return ""
	}
	if masked, err := masker.Default.String(maskType, value); err == nil {
		return masked
	}
	runes := []rune(value)
	if len(runes) <= 4 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:2]) + strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-2:])
}

func maskAny(v any) any {
	switch typed := v.(type) {
	case nil:
		return nil
	case string:
		return String(typed)
	default:
		return String(fmt.Sprint(typed))
	}
}

func isSensitive(key string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := sensitive[strings.ToLower(key)]
	return ok
}

func truncate(s string) string {
	if len(s) <= MaxLen {
		return s
	}
	cut := MaxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
