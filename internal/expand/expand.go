// Package expand performs ${key} substitution in configuration strings.
package expand

import (
	"os"
	"regexp"
	"strings"
)

var re = regexp.MustCompile(`\$\{([a-zA-Z0-9_.-]+)\}`)

func Expand(v string, mapping func(string) string) string {
	return re.ReplaceAllStringFunc(v, func(s string) string {
		return mapping(s[2 : len(s)-1])
	})
}

// Env maps keys of the form "env.NAME" to the NAME environment variable.
// Keys without the prefix expand to the empty string.
func Env(key string) string {
	if strings.HasPrefix(key, "env.") {
		return os.Getenv(key[4:])
	}
	return ""
}
