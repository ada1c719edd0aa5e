// Package validation provides input validation helpers and middleware for
// the scoring API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (8MB, room for large batches)
const MaxRequestSize = 8 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

var (
	// deviceIDRegex matches terminal ids such as "ATM-0042" or "pos_17.b"
	deviceIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)
	// buildIDRegex matches ids minted by idgen.WithPrefix("build_")
	buildIDRegex = regexp.MustCompile(`^build_[0-9a-f]{32}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidDeviceID checks if a string is a well-formed device id
func IsValidDeviceID(id string) bool {
	return deviceIDRegex.MatchString(id)
}

// IsValidBuildID checks if a string is a corpus build id
func IsValidBuildID(id string) bool {
	return buildIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidDeviceID checks an optional device id field
func ValidDeviceID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidDeviceID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 letters, digits, or . _ : -"}
		}
		return nil
	}
}

// PositiveDuration checks an optional Go duration string such as "168h"
func PositiveDuration(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "must be a duration such as 12h"}
		}
		if d <= 0 {
			return &ValidationError{Field: field, Message: "must be positive"}
		}
		return nil
	}
}

// Timestamp checks an optional RFC 3339 timestamp
func Timestamp(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := time.Parse(time.RFC3339Nano, value); err != nil {
			return &ValidationError{Field: field, Message: "must be an RFC 3339 timestamp"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// DeviceParamMiddleware rejects malformed :id URL parameters early
func DeviceParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidDeviceID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_device_id",
				"message": "device id must be 1-128 letters, digits, or . _ : -",
			})
			return
		}
		c.Next()
	}
}
