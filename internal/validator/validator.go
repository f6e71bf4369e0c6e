// Package validator is the pre-execution security gate.
//
// It rejects oversized code and code matching a language's denylist or a
// shared container-escape signature. Regex matching is trivially bypassed by
// obfuscation (string concatenation, encoding, reflection), so it only keeps
// obviously malicious input away from the container runtime. Isolation comes
// from the container configuration, never from this package.
package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/language"
)

// ErrRejected is wrapped by every ValidationError.
var ErrRejected = errors.New("code rejected")

// ValidationError reports why code was refused. Pattern names the first
// signature that matched.
type ValidationError struct {
	Language string `json:"language"`
	Pattern  string `json:"pattern"`
	Reason   string `json:"reason"`
	Line     int    `json:"line,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s code rejected by %s (line %d): %s", e.Language, e.Pattern, e.Line, e.Reason)
	}
	return fmt.Sprintf("%s code rejected by %s: %s", e.Language, e.Pattern, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrRejected }

// Validator checks code against per-language policy.
type Validator struct {
	registry    *language.Registry
	escapes     []escapePattern
	minSeverity Severity
}

// New creates a validator. Escape signatures at or above SeverityHigh reject;
// lower ones are only logged.
func New(registry *language.Registry) *Validator {
	return &Validator{
		registry:    registry,
		escapes:     escapePatterns(),
		minSeverity: SeverityHigh,
	}
}

// Validate returns nil when code may run, or a *ValidationError.
func (v *Validator) Validate(code, lang string) error {
	h, err := v.registry.Get(lang)
	if err != nil {
		return &ValidationError{Language: lang, Pattern: "unsupported_language", Reason: err.Error()}
	}
	profile := h.Profile()
	name := h.Name()

	if strings.TrimSpace(code) == "" {
		return &ValidationError{Language: name, Pattern: "empty_code", Reason: "code is empty"}
	}
	if len(code) > profile.MaxCodeBytes {
		return &ValidationError{
			Language: name,
			Pattern:  "size_limit",
			Reason:   fmt.Sprintf("code is %d bytes, limit is %d", len(code), profile.MaxCodeBytes),
		}
	}

	for _, p := range h.Patterns() {
		if loc := p.Regex.FindStringIndex(code); loc != nil {
			return &ValidationError{Language: name, Pattern: p.Name, Reason: p.Reason, Line: lineOf(code, loc[0])}
		}
	}

	for _, p := range v.escapes {
		loc := p.Regex.FindStringIndex(code)
		if loc == nil {
			continue
		}
		line := lineOf(code, loc[0])
		if p.Severity < v.minSeverity {
			log.Warn().
				Str("language", name).
				Str("pattern", p.Name).
				Str("severity", p.Severity.String()).
				Int("line", line).
				Msg("suspicious pattern in submitted code")
			continue
		}
		return &ValidationError{Language: name, Pattern: p.Name, Reason: p.Description, Line: line}
	}

	return nil
}

func lineOf(code string, offset int) int {
	return strings.Count(code[:offset], "\n") + 1
}
