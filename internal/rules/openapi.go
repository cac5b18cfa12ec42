package rules

import (
	"encoding/json"
	"net/http"
	"strings"

	"webhook-rules/internal/common/errors"
)

// AllowedMethods are the only HTTP methods an openapi_call may use
var AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut}

// OpenAPICall is the parsed form of an openapi_call action
type OpenAPICall struct {
	Method string
	Path   string
	// Body is the JSON template, nil when the call has no body
	Body interface{}
}

// ParseOpenAPICall validates an openapi_call action. DELETE and any method
// outside AllowedMethods are rejected.
func ParseOpenAPICall(action Action) (OpenAPICall, error) {
	if action.Type != ActionOpenAPICall {
		return OpenAPICall{}, errors.ValidationErrorf("action %q is not an openapi_call", action.Type)
	}

	method := strings.ToUpper(strings.TrimSpace(action.Args["method"]))
	if method == "" {
		return OpenAPICall{}, errors.ValidationError("openapi_call.method is required")
	}
	if !isAllowedMethod(method) {
		return OpenAPICall{}, errors.ValidationErrorf("openapi_call.method %s is not allowed (GET, POST, PUT)", method)
	}

	path := strings.TrimSpace(action.Args["path"])
	if path == "" {
		return OpenAPICall{}, errors.ValidationError("openapi_call.path is required")
	}

	call := OpenAPICall{Method: method, Path: path}
	if raw := strings.TrimSpace(action.Args["body"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &call.Body); err != nil {
			return OpenAPICall{}, errors.ValidationError("openapi_call.body must be valid JSON")
		}
	}
	return call, nil
}

func isAllowedMethod(method string) bool {
	for _, m := range AllowedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// ResolvedCall is an OpenAPICall with placeholders substituted
type ResolvedCall struct {
	Method string
	Path   string
	Body   []byte
}

// Resolve substitutes placeholders from values. Path values are URL path
// escaped; body placeholders are substituted inside JSON string leaves.
func (c OpenAPICall) Resolve(values map[string]interface{}) (ResolvedCall, error) {
	resolved := ResolvedCall{
		Method: c.Method,
		Path:   ResolvePath(c.Path, values),
	}
	if c.Body != nil {
		body, err := json.Marshal(ResolveJSON(c.Body, values))
		if err != nil {
			return ResolvedCall{}, err
		}
		resolved.Body = body
	}
	return resolved, nil
}
