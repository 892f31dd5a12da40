// Package validate checks and normalizes every caller-supplied value before it
// reaches a query. Parameterized statements are still used everywhere; these
// functions only keep malformed input out of storage and logs.
package validate

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"syncqueue/internal/domain"
)

// canonicalIDLen is the length of the 8-4-4-4-12 textual UUID form.
const canonicalIDLen = 36

// Identifier validates value as a canonical UUID and returns it lowercased.
func Identifier(value, field string) (string, error) {
	if value == "" {
		return "", domain.NewValidationError(domain.CodeMissingField, field, "is required")
	}
	if len(value) != canonicalIDLen {
		return "", domain.NewValidationError(domain.CodeInvalidIdentifier, field, "must be a canonical UUID")
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return "", domain.NewValidationError(domain.CodeInvalidIdentifier, field, "must be a canonical UUID")
	}
	return id.String(), nil
}

func TenantID(value string) (domain.TenantID, error) {
	s, err := Identifier(value, "tenant_id")
	return domain.TenantID(s), err
}

func QueueID(value string) (domain.QueueID, error) {
	s, err := Identifier(value, "queue_id")
	return domain.QueueID(s), err
}

func LineID(value string) (domain.LineID, error) {
	s, err := Identifier(value, "line_id")
	return domain.LineID(s), err
}

func UserID(value string) (domain.UserID, error) {
	s, err := Identifier(value, "user_id")
	return domain.UserID(s), err
}

// OptionalUserID returns nil for an empty value.
func OptionalUserID(value string) (*domain.UserID, error) {
	if value == "" {
		return nil, nil
	}
	id, err := UserID(value)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// LineIDs validates every element; the first failure aborts.
func LineIDs(values []string) ([]domain.LineID, error) {
	out := make([]domain.LineID, 0, len(values))
	for _, v := range values {
		id, err := LineID(v)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// ClampInt returns min when value is nil and fails when value lies outside
// [min, max].
func ClampInt(value *int, min, max int, field string) (int, error) {
	if value == nil {
		return min, nil
	}
	if *value < min || *value > max {
		return 0, outOfRange(field, min, max)
	}
	return *value, nil
}

// ClampNumber is ClampInt for loosely typed input (JSON numbers): the value is
// truncated toward zero before the range check.
func ClampNumber(value *float64, min, max int, field string) (int, error) {
	if value == nil {
		return min, nil
	}
	if math.IsNaN(*value) || math.IsInf(*value, 0) {
		return 0, outOfRange(field, min, max)
	}
	v := math.Trunc(*value)
	if v < float64(min) || v > float64(max) {
		return 0, outOfRange(field, min, max)
	}
	return int(v), nil
}

func outOfRange(field string, min, max int) error {
	return domain.NewValidationError(domain.CodeOutOfRange, field, fmt.Sprintf("must be between %d and %d", min, max))
}

// ExternalRecordID accepts a positive integer, given either as digits or as
// an integral number.
func ExternalRecordID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, domain.NewValidationError(domain.CodeMissingField, "external_record_id", "is required")
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		return 0, domain.NewValidationError(domain.CodeOutOfRange, "external_record_id", "must be a positive integer")
	}
	return n, nil
}

// PositiveRecordID is ExternalRecordID for callers that already hold a number.
func PositiveRecordID(n int64) (int64, error) {
	if n <= 0 {
		return 0, domain.NewValidationError(domain.CodeOutOfRange, "external_record_id", "must be a positive integer")
	}
	return n, nil
}

// SanitizeText drops NUL and control characters (tab, newline and carriage
// return survive), repairs invalid UTF-8 and truncates to maxLength runes.
// It never fails.
func SanitizeText(value string, maxLength int) string {
	if value == "" || maxLength <= 0 {
		return ""
	}
	value = strings.ToValidUTF8(value, "")
	var b strings.Builder
	b.Grow(len(value))
	n := 0
	for _, r := range value {
		if n >= maxLength {
			break
		}
		if r == '\t' || r == '\n' || r == '\r' {
			b.WriteRune(r)
			n++
			continue
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// RequiredText sanitizes value and fails when nothing printable remains.
func RequiredText(value string, maxLength int, field string) (string, error) {
	s := strings.TrimSpace(SanitizeText(value, maxLength))
	if s == "" {
		return "", domain.NewValidationError(domain.CodeMissingField, field, "is required")
	}
	return s, nil
}
