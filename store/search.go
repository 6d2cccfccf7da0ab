package store

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	tokenRe = regexp.MustCompile(`[^\s"']+|"([^"]*)"|'([^']*)'`)
	wordRe  = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
)

// ParseQuery converts user input into FTS5 syntax.
// Supports "phrase search", you:term and assistant:term (or ai:term).
func ParseQuery(input string) string {
	var parts []string

	for _, token := range tokenRe.FindAllString(strings.TrimSpace(input), -1) {
		if strings.HasPrefix(token, "\"") || strings.HasPrefix(token, "'") {
			parts = append(parts, token)
			continue
		}

		lower := strings.ToLower(token)
		role := ""
		switch {
		case strings.HasPrefix(lower, "you:"), strings.HasPrefix(lower, "user:"):
			role = "you"
		case strings.HasPrefix(lower, "ai:"), strings.HasPrefix(lower, "assistant:"):
			role = "assistant"
		}

		if role != "" {
			term := token[strings.Index(token, ":")+1:]
			if term != "" {
				parts = append(parts, fmt.Sprintf("(role:%s AND content:%s)", role, term))
			} else {
				parts = append(parts, "role:"+role)
			}
			continue
		}

		// prefix match for plain words
		if len(token) > 3 && wordRe.MatchString(token) {
			parts = append(parts, token+"*")
		} else {
			parts = append(parts, token)
		}
	}

	return strings.Join(parts, " AND ")
}
