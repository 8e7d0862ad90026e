package publish

import (
	"fmt"
	"regexp"

	"github.com/devanshbm/runq/internal/domain"
)

// Denylist of dangerous operation patterns, screened before enqueue.
// This is input hygiene, not the isolation boundary — the sandbox is.
var dangerousPatterns = []*regexp.Regexp{
	// Destructive filesystem commands
	regexp.MustCompile(`(?i)rm\s+-rf`),
	regexp.MustCompile(`(?i)del\s+/[sf]`),
	regexp.MustCompile(`(?i)format\s+[a-z]:`),

	// Network operations
	regexp.MustCompile(`(?i)wget|curl`),
	regexp.MustCompile(`(?i)socket\s*\(`),

	// Arbitrary process spawning
	regexp.MustCompile(`(?i)system\s*\(`),
	regexp.MustCompile(`(?i)exec[lv]?p?\s*\(`),
	regexp.MustCompile(`(?i)eval\s*\(`),
	regexp.MustCompile(`(?i)subprocess`),
}

var languagePatterns = map[string][]*regexp.Regexp{
	"python": {
		regexp.MustCompile(`(?i)import\s+os\b`),
		regexp.MustCompile(`(?i)import\s+subprocess\b`),
		regexp.MustCompile(`(?i)from\s+os\b`),
		regexp.MustCompile(`__import__`),
	},
	"c": {
		regexp.MustCompile(`(?i)#include\s*<sys/`),
		regexp.MustCompile(`(?i)#include\s*<unistd\.h>`),
		regexp.MustCompile(`(?i)fork\s*\(`),
	},
	"cpp": {
		regexp.MustCompile(`(?i)#include\s*<sys/`),
		regexp.MustCompile(`(?i)#include\s*<unistd\.h>`),
		regexp.MustCompile(`(?i)fork\s*\(`),
	},
	"java": {
		regexp.MustCompile(`java\.lang\.Runtime`),
		regexp.MustCompile(`java\.lang\.ProcessBuilder`),
		regexp.MustCompile(`System\.exit`),
	},
	"javascript": {
		regexp.MustCompile(`(?i)require\s*\(\s*['"]child_process['"]`),
		regexp.MustCompile(`(?i)require\s*\(\s*['"]fs['"]`),
		regexp.MustCompile(`process\.exit`),
	},
}

// screenCode rejects code matching the global denylist or the language's
// restricted-API patterns.
func screenCode(code, language string) error {
	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(code) {
			return fmt.Errorf("%w: dangerous operation matched %q", domain.ErrSecurityRejected, pattern.String())
		}
	}
	for _, pattern := range languagePatterns[language] {
		if pattern.MatchString(code) {
			return fmt.Errorf("%w: restricted %s API matched %q", domain.ErrSecurityRejected, language, pattern.String())
		}
	}
	return nil
}
