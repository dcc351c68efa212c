package chat

import (
	"fmt"
	"regexp"
	"strings"
)

// Scope names one conversation stream. Every read, write and subscription
// is partitioned by it.
type Scope string

const (
	ScopeConsole Scope = "console"
	ScopeGeneral Scope = "general"
)

var scopePattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

func ParseScope(raw string) (Scope, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if !scopePattern.MatchString(value) {
		return "", chatError(CodeNotReady, fmt.Sprintf("invalid scope %q", raw), nil)
	}
	return Scope(value), nil
}

func (s Scope) String() string {
	return string(s)
}
