// Package validation provides input validation for the payment engine API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

var (
	// partyIDRegex validates party identifiers issued by the identity service
	partyIDRegex = regexp.MustCompile(`^[a-z]{2,8}_[a-zA-Z0-9]{8,40}$`)
	// currencyRegex validates ISO 4217 alpha codes
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPartyID checks if a string is a well-formed party identifier
// (e.g. "acct_8f3b21c9d4", "org_X92bmPq1").
func IsValidPartyID(id string) bool {
	return partyIDRegex.MatchString(id)
}

// IsValidCurrency checks if a string is a well-formed currency code.
func IsValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidParty checks if a field is a well-formed party identifier.
func ValidParty(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidPartyID(value) {
			return &ValidationError{Field: field, Message: "must be a valid party identifier"}
		}
		return nil
	}
}

// ValidCurrency checks if a field is a well-formed ISO currency code.
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be a 3-letter ISO currency code"}
		}
		return nil
	}
}

// PositiveAmount checks that an amount in minor units is positive.
func PositiveAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}
