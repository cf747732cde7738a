// Package validation gates what the client may encrypt, send or mutate, and
// what the relay accepts: message length, edit/delete windows, sanitization of
// free-text input and format checks for emails, usernames and IDs.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/atinyakov/hammerchat/internal/apperr"
)

const (
	// EditWindow is how long after creation a message may be edited.
	EditWindow = 15 * time.Minute
	// DeleteWindow is how long after creation a message may be deleted.
	DeleteWindow = 15 * time.Minute
	// MaxMessageLength is the maximum message length in characters.
	MaxMessageLength = 10000
	// MaxSanitizedLength bounds the output of SanitizeInput.
	MaxSanitizedLength = 1000

	minUsernameLength = 3
	maxUsernameLength = 30
	maxEmailLength    = 254
)

var (
	emailPattern        = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	usernamePattern     = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-]*$`)
	jsURIPattern        = regexp.MustCompile(`(?i)j\s*a\s*v\s*a\s*s\s*c\s*r\s*i\s*p\s*t\s*:`)
	eventHandlerPattern = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
)

// Validator evaluates time windows against its clock at every call, so long
// sessions never act on a stale "now".
type Validator struct {
	now    func() time.Time
	policy *bluemonday.Policy
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New returns a Validator using the wall clock.
func New(opts ...Option) *Validator {
	v := &Validator{
		now:    time.Now,
		policy: bluemonday.StrictPolicy(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// IsWithinEditWindow reports whether a message created at createdAt may still
// be edited. The boundary is inclusive: exactly 15:00 old is allowed.
func (v *Validator) IsWithinEditWindow(createdAt time.Time) bool {
	return !v.now().After(createdAt.Add(EditWindow))
}

// IsWithinDeleteWindow reports whether a message created at createdAt may still
// be deleted. The boundary is inclusive.
func (v *Validator) IsWithinDeleteWindow(createdAt time.Time) bool {
	return !v.now().After(createdAt.Add(DeleteWindow))
}

// EditCutoff is the oldest creation time that is still editable now.
func (v *Validator) EditCutoff() time.Time {
	return v.now().Add(-EditWindow)
}

// DeleteCutoff is the oldest creation time that is still deletable now.
func (v *Validator) DeleteCutoff() time.Time {
	return v.now().Add(-DeleteWindow)
}

// ValidateMessageContent rejects blank messages and messages longer than
// MaxMessageLength characters.
func (v *Validator) ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.New(apperr.Validation, "Message cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return apperr.New(apperr.Validation,
			fmt.Sprintf("Message cannot exceed %d characters", MaxMessageLength))
	}
	return nil
}

// SanitizeInput makes free text (display names, search queries) safe to echo
// back: all markup is removed by an HTML tokenizer, script and style bodies
// are dropped, remaining text is HTML-escaped, javascript: URIs and inline
// on*= handlers are stripped, and the result is cut to MaxSanitizedLength
// characters. Output encoding at render time is still required.
func (v *Validator) SanitizeInput(content string) string {
	out := v.policy.Sanitize(content)
	for {
		next := jsURIPattern.ReplaceAllString(out, "")
		next = eventHandlerPattern.ReplaceAllString(next, "")
		if next == out {
			break
		}
		out = next
	}
	return truncateEscaped(strings.TrimSpace(out), MaxSanitizedLength)
}

// ValidateEmail checks the address format.
func (v *Validator) ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return apperr.New(apperr.Validation, "Email is required")
	}
	if len(email) > maxEmailLength || !emailPattern.MatchString(email) {
		return apperr.New(apperr.Validation, "Invalid email format")
	}
	return nil
}

// ValidateUsername checks length and allowed characters.
func (v *Validator) ValidateUsername(username string) error {
	switch n := utf8.RuneCountInString(username); {
	case n == 0:
		return apperr.New(apperr.Validation, "Username is required")
	case n < minUsernameLength:
		return apperr.New(apperr.Validation,
			fmt.Sprintf("Username must be at least %d characters", minUsernameLength))
	case n > maxUsernameLength:
		return apperr.New(apperr.Validation,
			fmt.Sprintf("Username must be at most %d characters", maxUsernameLength))
	}
	if !usernamePattern.MatchString(username) {
		return apperr.New(apperr.Validation,
			"Username must start with a letter and contain only letters, numbers, underscores, and hyphens")
	}
	return nil
}

// ValidateUUID accepts only the canonical 36-character UUID form.
func (v *Validator) ValidateUUID(id string) error {
	if id == "" {
		return apperr.New(apperr.Validation, "ID is required")
	}
	if len(id) != 36 {
		return apperr.New(apperr.Validation, "Invalid ID format")
	}
	if _, err := uuid.Parse(id); err != nil {
		return apperr.Wrap(apperr.Validation, "Invalid ID format", err)
	}
	return nil
}

// truncateEscaped cuts HTML-escaped text to max runes without leaving half an
// entity behind. Every '&' in sanitized output starts an entity.
func truncateEscaped(s string, max int) string {
	out := truncateRunes(s, max)
	if len(out) == len(s) {
		return out
	}
	if i := strings.LastIndexByte(out, '&'); i >= 0 && !strings.Contains(out[i:], ";") {
		out = out[:i]
	}
	return out
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
