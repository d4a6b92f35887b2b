package util

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// NewID returns prefix_<uuid hex>, or just the hex when prefix is empty.
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// ValidID reports whether value is usable as a path segment id.
func ValidID(value string) bool {
	return idPattern.MatchString(value)
}
