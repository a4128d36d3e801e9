package shared

import (
	"strings"

	"golang.org/x/text/cases"
)

// FoldName returns the case-insensitive comparison key for usernames and role names.
func FoldName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}
