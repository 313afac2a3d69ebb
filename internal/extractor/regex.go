package extractor

import (
	"regexp"
)

// findRegex extracts a value from text using a regex pattern.
// If the regex has a capture group, returns the first capture group.
// If no capture group, returns the full match.
// Returns empty string if no match.
func findRegex(body []byte, pattern string, logger Logger) string {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		if logger != nil {
			logger.Warn("invalid regex pattern: %s (error: %v)", pattern, err)
		}
		return ""
	}

	match := regex.FindSubmatch(body)
	if match == nil {
		if logger != nil {
			logger.Warn("regex pattern not found: %s", pattern)
		}
		return ""
	}

	if len(match) > 1 {
		return string(match[1])
	}

	return string(match[0])
}
