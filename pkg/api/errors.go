package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const genericMessage = "Something went wrong. Please try again."

// Error is a non-2xx backend response with a human-readable message extracted
// from the body.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.StatusCode, e.Message)
}

// ErrorMessage returns the display message for err. Backend errors yield their
// extracted message; anything else collapses to a generic message so transport
// details never reach the user.
func ErrorMessage(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return genericMessage
}

// extractMessage builds a single display string from an error response body.
// Field-level validation errors are concatenated first; otherwise a top-level
// detail/error field is used; otherwise the generic message.
func extractMessage(body []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return genericMessage
	}

	var parts []string
	for name, raw := range fields {
		if name == "detail" || name == "error" {
			continue
		}
		if msg := fieldErrors(raw); msg != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", name, msg))
		}
	}
	if len(parts) > 0 {
		sort.Strings(parts)
		return strings.Join(parts, " ")
	}

	for _, name := range []string{"detail", "error"} {
		var msg string
		if raw, ok := fields[name]; ok && json.Unmarshal(raw, &msg) == nil && msg != "" {
			return msg
		}
	}
	return genericMessage
}

func fieldErrors(raw json.RawMessage) string {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, " ")
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	return ""
}
