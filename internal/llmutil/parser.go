// internal/llmutil/parser.go
package llmutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// jsonObjectRegex extracts a JSON object if the response is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// jsonArrayRegex extracts a JSON array if the response is wrapped in markdown.
	jsonArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
)

// ParseJSONResponse attempts to parse an LLM response string into a target Go
// type. Models routinely wrap their JSON in markdown fences or conversational
// text even when asked not to, so the raw string is sliced down to the first
// plausible object or array before unmarshaling.
func ParseJSONResponse[T any](response string) (*T, error) {
	response = strings.TrimSpace(response)
	jsonStringToParse := response

	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	// 1. Handle markdown wrapping (most common case).
	if strings.HasPrefix(response, "```") {
		var matches []string
		if isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			jsonStringToParse = matches[1]
		}
	} else if (isObject || isArray) && (!strings.HasPrefix(response, "{") && !strings.HasPrefix(response, "[")) {
		// 2. Slice the structure out of surrounding conversational text.
		firstBracket := -1
		lastBracket := -1

		if isObject {
			fb := strings.Index(response, "{")
			lb := strings.LastIndex(response, "}")
			if fb != -1 && lb != -1 && lb > fb {
				firstBracket = fb
				lastBracket = lb + 1
			}
		}

		if (firstBracket == -1 || lastBracket == -1) && isArray {
			fb := strings.Index(response, "[")
			lb := strings.LastIndex(response, "]")
			if fb != -1 && lb != -1 && lb > fb {
				firstBracket = fb
				lastBracket = lb + 1
			}
		}

		if firstBracket != -1 && lastBracket != -1 {
			jsonStringToParse = response[firstBracket:lastBracket]
		}
	}

	// 3. Unmarshal.
	var result T
	if err := json.Unmarshal([]byte(jsonStringToParse), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, truncateString(jsonStringToParse, 500))
	}

	return &result, nil
}

// truncateString truncates a string to a maximum length for error messages.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	// Simple truncation; does not account for rune boundaries but sufficient for error logging.
	return s[:maxLen] + "..."
}
