// Package validation holds request field checks shared by the HTTP handlers.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/usdc"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxTextLength bounds free-text fields (claims, reasoning, notes).
const MaxTextLength = 5000

var ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// SanitizeString trims, drops NUL bytes and truncates to maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// SanitizeAddress lower-cases an address and adds a missing 0x prefix.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// FieldError is a single rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects field errors; it implements error.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule is one deferred check.
type Rule func() *FieldError

// Validate runs rules and returns the failures, or nil.
func Validate(rules ...Rule) error {
	var errs Errors
	for _, r := range rules {
		if fe := r(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Address checks an optional Ethereum address field.
func Address(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidEthAddress(value) {
			return &FieldError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) Rule {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount checks a USDC decimal string is well formed and > 0.
func PositiveAmount(field, value string) Rule {
	return func() *FieldError {
		v, ok := usdc.Parse(value)
		if !ok {
			return &FieldError{Field: field, Message: "invalid amount format"}
		}
		if v.Sign() <= 0 {
			return &FieldError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// OneOf checks value against a closed set.
func OneOf(field, value string, allowed ...string) Rule {
	return func() *FieldError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &FieldError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// Percent checks 0 <= v <= 100.
func Percent(field string, v int) Rule {
	return func() *FieldError {
		if v < 0 || v > 100 {
			return &FieldError{Field: field, Message: "must be between 0 and 100"}
		}
		return nil
	}
}
