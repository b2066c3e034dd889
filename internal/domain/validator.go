package domain

import (
	"net/url"
	"slices"
	"strings"
)

// InputValidator checks user-supplied URLs and patterns
type InputValidator struct {
	maxLength      int
	allowedSchemes []string
}

// NewInputValidator creates a new input validator with default settings
func NewInputValidator() *InputValidator {
	return &InputValidator{
		maxLength:      2048,
		allowedSchemes: []string{"http", "https"},
	}
}

// NewValidator creates a new input validator instance
func NewValidator() Validator {
	return NewInputValidator()
}

// ValidatePageURL validates the page URL a page-derived rule is built from
func (v *InputValidator) ValidatePageURL(urlStr string) error {
	if len(urlStr) > v.maxLength {
		return NewAppError(ErrValidationFailed, "URL too long (max 2048 characters)", 422, map[string]any{
			"field":      "pageUrl",
			"length":     len(urlStr),
			"max_length": v.maxLength,
		})
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return NewAppErrorWithCause(ErrValidationFailed, "Invalid URL format", 422, err, map[string]any{"field": "pageUrl"})
	}

	if !slices.Contains(v.allowedSchemes, strings.ToLower(parsedURL.Scheme)) {
		return NewAppError(ErrValidationFailed, "Only HTTP and HTTPS URLs are allowed", 422, map[string]any{
			"field":           "pageUrl",
			"scheme":          parsedURL.Scheme,
			"allowed_schemes": v.allowedSchemes,
		})
	}

	if parsedURL.Hostname() == "" {
		return NewAppError(ErrValidationFailed, "URL must have a valid host", 422, map[string]any{"field": "pageUrl"})
	}

	return nil
}
