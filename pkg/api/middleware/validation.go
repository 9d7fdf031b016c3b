package middleware

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ValidatorConfig holds validation configuration for check job requests
type ValidatorConfig struct {
	MaxBodySize       int64    // Maximum request body size in bytes
	AllowedAlgorithms []string // Algorithm type names a worker can build
	MaxProps          int      // Maximum number of algorithm properties
	MaxPropLength     int      // Maximum length of a property key or value
}

func DefaultValidatorConfig(algorithms ...string) ValidatorConfig {
	return ValidatorConfig{
		MaxBodySize:       1 << 20, // 1MB
		AllowedAlgorithms: algorithms,
		MaxProps:          32,
		MaxPropLength:     256,
	}
}

var propKeyPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)

// Validator performs request validation
type Validator struct {
	config ValidatorConfig
}

func NewValidator(config ValidatorConfig) *Validator {
	return &Validator{config: config}
}

// ValidateAlgorithm checks the algorithm type is one the workers support.
func (v *Validator) ValidateAlgorithm(algorithm string) error {
	if algorithm == "" {
		return &ValidationError{Field: "algorithm_type", Message: "algorithm type is required"}
	}
	for _, allowed := range v.config.AllowedAlgorithms {
		if algorithm == allowed {
			return nil
		}
	}
	return &ValidationError{Field: "algorithm_type", Message: "unsupported algorithm type"}
}

// ValidateProps checks algorithm properties. Values are passed to the checker unmodified.
func (v *Validator) ValidateProps(props map[string]string) error {
	if len(props) > v.config.MaxProps {
		return &ValidationError{Field: "algorithm_props", Message: "too many properties"}
	}
	for k, val := range props {
		if !propKeyPattern.MatchString(k) || len(k) > v.config.MaxPropLength {
			return &ValidationError{Field: "algorithm_props", Message: "invalid property key " + k}
		}
		if len(val) > v.config.MaxPropLength {
			return &ValidationError{Field: "algorithm_props", Message: "property value too long for " + k}
		}
	}
	return nil
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// BodySizeLimitMiddleware limits request body size
func BodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// RequestIDKey is the gin context key of the request id.
const RequestIDKey = "request_id"

// RequestIDMiddleware propagates X-Request-ID, generating one when absent.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
