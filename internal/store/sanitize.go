package store

import (
	"regexp"
	"strings"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Sanitize derives a BackendConfig id from a model name: lowercase,
// strip the model extension, collapse runs of non-alphanumerics to a
// single "-", and trim leading/trailing "-". It is idempotent:
// Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(modelName string) string {
	name := strings.ToLower(modelName)
	if ext := strings.ToLower(extOf(name)); ext == ".gguf" {
		name = name[:len(name)-len(ext)]
	}
	name = nonAlnum.ReplaceAllString(name, "-")
	return strings.Trim(name, "-")
}

func extOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return name[idx:]
}

var reservedIDs = map[string]bool{
	"router": true,
	"admin":  true,
	"config": true,
	"all":    true,
}

// IsReservedAlias reports whether alias collides with a name the store
// or HTTP routing reserves for itself.
func IsReservedAlias(alias string) bool {
	return reservedIDs[strings.ToLower(alias)]
}

var aliasPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidAliasFormat checks the alphanumeric+"-_" 1-64 char shape, before
// the uniqueness check.
func ValidAliasFormat(alias string) bool {
	return aliasPattern.MatchString(alias)
}
