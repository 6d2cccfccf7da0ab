package gateway

import (
	"fmt"
	"strings"
)

// Error is a failed backend call: either an HTTP status outside 2xx or a
// transport/decoding failure (Status == 0).
type Error struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		body := strings.TrimSpace(e.Body)
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		if body == "" {
			return fmt.Sprintf("%s %d", e.Op, e.Status)
		}
		return fmt.Sprintf("%s %d: %s", e.Op, e.Status, body)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
