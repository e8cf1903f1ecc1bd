package config

import (
	"fmt"
	"os"
	"strings"
)

// expandString replaces ${name} references with the macro of that name or,
// failing that, the environment variable. $$ yields a literal $.
func expandString(s string, macros map[string]string) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	var result strings.Builder
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '$' && s[i+1] == '$' {
			result.WriteByte('$')
			i += 2
			continue
		}

		if i+1 < len(s) && s[i] == '$' && s[i+1] == '{' {
			end := strings.Index(s[i:], "}")
			if end < 0 {
				return "", fmt.Errorf("unclosed macro reference at position %d in %q", i, s)
			}

			name := s[i+2 : i+end]
			val, ok := macros[name]
			if !ok {
				val, ok = os.LookupEnv(name)
			}
			if !ok {
				return "", fmt.Errorf("undefined macro: ${%s}", name)
			}
			result.WriteString(val)
			i += end + 1
			continue
		}

		result.WriteByte(s[i])
		i++
	}

	return result.String(), nil
}
