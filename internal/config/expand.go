package config

import (
	"os"
	"regexp"
)

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:default} references in raw config
// text. An unset variable without a default expands to the empty string, so
// optional secrets can stay blank in development.
func ExpandEnv(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := varPattern.FindStringSubmatch(m)
		name, def := parts[1], parts[2]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return def
	})
}
