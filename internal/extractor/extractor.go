// Package extractor pulls values out of HTTP responses using JSONPath,
// regex, header, or cookie rules and hands them to the variable context.
package extractor

import (
	"net/http"
)

// Logger interface for warning output.
type Logger interface {
	Warn(format string, args ...interface{})
}

// Rule defines a single extraction from a response.
type Rule struct {
	// Variable is the variable name to store the extracted value.
	Variable string

	// JSONPath is a JSON path expression (e.g., "$.user.id", "user.id").
	JSONPath string

	// Regex is a regex pattern with optional capture group.
	Regex string

	// Header names a response header to copy verbatim.
	Header string

	// Cookie names a Set-Cookie cookie whose value is extracted.
	Cookie string

	// OnError, if true, extracts even from error responses (4xx/5xx).
	OnError bool
}

// Response is the minimal response view extraction operates on.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ExtractAll applies all rules to the response and returns extracted
// key-value pairs. Rules that do not match produce empty values; failures
// are logged as warnings and never abort the remaining rules. The logger
// may be nil to suppress warnings.
func ExtractAll(resp Response, rules []Rule, logger Logger) map[string]string {
	result := make(map[string]string)

	if len(rules) == 0 {
		return result
	}

	isError := resp.StatusCode >= 400

	for _, rule := range rules {
		if isError && !rule.OnError {
			continue
		}

		var value string
		switch {
		case rule.JSONPath != "":
			value = findJSONPath(resp.Body, rule.JSONPath, logger)
		case rule.Regex != "":
			value = findRegex(resp.Body, rule.Regex, logger)
		case rule.Header != "":
			value = resp.Header.Get(rule.Header)
			if value == "" && logger != nil {
				logger.Warn("header not found: %s", rule.Header)
			}
		case rule.Cookie != "":
			value = findCookie(resp.Header, rule.Cookie, logger)
		}

		result[rule.Variable] = value
	}

	return result
}

// findCookie scans Set-Cookie headers for a cookie by name.
func findCookie(header http.Header, name string, logger Logger) string {
	dummy := http.Response{Header: header}
	for _, c := range dummy.Cookies() {
		if c.Name == name {
			return c.Value
		}
	}
	if logger != nil {
		logger.Warn("cookie not found: %s", name)
	}
	return ""
}
