package router

import "strings"

// findBackend matches a requested model name against the given
// backends: exact modelName, case-insensitive modelName,
// case-insensitive modelName + ".gguf", then a normalized comparison
// (lowercase, strip ".gguf", unify "_" and "-" to "-"). The first hit
// wins.
func findBackend(backends []backendView, requested string) (backendView, bool) {
	for _, b := range backends {
		if b.ModelName == requested {
			return b, true
		}
	}
	for _, b := range backends {
		if strings.EqualFold(b.ModelName, requested) {
			return b, true
		}
	}
	for _, b := range backends {
		if strings.EqualFold(b.ModelName+".gguf", requested) {
			return b, true
		}
	}
	target := normalize(requested)
	for _, b := range backends {
		if normalize(b.ModelName) == target {
			return b, true
		}
	}
	return backendView{}, false
}

func normalize(name string) string {
	name = strings.ToLower(name)
	name = strings.TrimSuffix(name, ".gguf")
	name = strings.ReplaceAll(name, "_", "-")
	return name
}
