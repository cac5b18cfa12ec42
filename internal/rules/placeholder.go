package rules

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// placeholderPattern matches {{a.b}} and {a.b}. Only word characters, dots
// and dashes are allowed inside so JSON braces never match.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([\w.\-]+)\s*\}\}|\{([\w.\-]+)\}`)

// ResolveTemplate substitutes placeholders in s. Missing values become "".
func ResolveTemplate(s string, values map[string]interface{}) string {
	return replacePlaceholders(s, values, func(v string) string { return v })
}

// ResolvePath substitutes placeholders in a URL path, escaping each value
func ResolvePath(s string, values map[string]interface{}) string {
	return replacePlaceholders(s, values, url.PathEscape)
}

// ResolveJSON walks a decoded JSON template and resolves placeholders in
// every string leaf. Keys and non-string values are left as is.
func ResolveJSON(template interface{}, values map[string]interface{}) interface{} {
	switch t := template.(type) {
	case string:
		return ResolveTemplate(t, values)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			out[k] = ResolveJSON(v, values)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, v := range t {
			out[i] = ResolveJSON(v, values)
		}
		return out
	default:
		return template
	}
}

func replacePlaceholders(s string, values map[string]interface{}, transform func(string) string) string {
	if s == "" || !strings.Contains(s, "{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		key := groups[1]
		if key == "" {
			key = groups[2]
		}
		return transform(Lookup(values, key))
	})
}

// Lookup resolves a dotted path against values and renders it as text
func Lookup(values map[string]interface{}, path string) string {
	var current interface{} = values
	for _, part := range strings.Split(strings.TrimSpace(path), ".") {
		object, ok := current.(map[string]interface{})
		if !ok {
			return ""
		}
		if current, ok = object[part]; !ok {
			return ""
		}
	}
	return stringify(current)
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
