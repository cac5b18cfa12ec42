package handlers

import (
	"net/http"
	"strings"
)

const redacted = "[REDACTED]"

// SensitiveFieldPatterns match payload keys and header names whose values
// must never reach logs or API responses
var SensitiveFieldPatterns = []string{
	"token",
	"secret",
	"password",
	"passwd",
	"api_key",
	"apikey",
	"authorization",
	"signature",
	"credential",
	"private_key",
	"cookie",
}

// FilterSensitiveFields returns a copy of data with sensitive values masked,
// descending into nested objects and arrays
func FilterSensitiveFields(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}

	filtered := make(map[string]interface{}, len(data))
	for key, value := range data {
		if isSensitiveField(key) {
			filtered[key] = redacted
			continue
		}
		filtered[key] = filterValue(value)
	}
	return filtered
}

func filterValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return FilterSensitiveFields(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = filterValue(item)
		}
		return out
	default:
		return value
	}
}

// FilterSensitiveHeaders flattens headers for logging, masking credentials
func FilterSensitiveHeaders(headers http.Header) map[string]string {
	filtered := make(map[string]string, len(headers))
	for name, values := range headers {
		if isSensitiveField(name) {
			filtered[name] = redacted
			continue
		}
		filtered[name] = strings.Join(values, ", ")
	}
	return filtered
}

// isSensitiveField checks if a field name contains sensitive patterns
func isSensitiveField(fieldName string) bool {
	fieldLower := strings.ToLower(fieldName)
	for _, pattern := range SensitiveFieldPatterns {
		if strings.Contains(fieldLower, pattern) {
			return true
		}
	}
	return false
}
