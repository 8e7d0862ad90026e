package sandbox

import (
	"fmt"
	"strings"

	"github.com/devanshbm/runq/internal/domain"
)

// pipeline describes one language's containerized compile-and-run recipe.
// The script runs via `sh -c` with the scratch directory mounted at /code;
// %d is the inner hard timeout in seconds, enforced by the container's own
// timeout wrapper.
type pipeline struct {
	image    string
	source   string // fixed source file name inside the per-job scratch dir
	script   string
	compiled bool
}

// Images are pinned per language; the scratch dir is unique per job so fixed
// file names inside it cannot collide. Java insists on Main.java.
var pipelines = map[string]pipeline{
	"python": {
		image:  "python:3.11-alpine",
		source: "main.py",
		script: "cd /code && timeout %ds python main.py",
	},
	"javascript": {
		image:  "node:20-alpine",
		source: "main.js",
		script: "cd /code && timeout %ds node main.js",
	},
	"c": {
		image:    "gcc:latest",
		source:   "main.c",
		script:   "cd /code && gcc main.c -o main && timeout %ds ./main",
		compiled: true,
	},
	"cpp": {
		image:    "gcc:latest",
		source:   "main.cpp",
		script:   "cd /code && g++ main.cpp -o main && timeout %ds ./main",
		compiled: true,
	},
	"java": {
		image:    "openjdk:17-slim",
		source:   "Main.java",
		script:   "cd /code && javac Main.java && timeout %ds java Main",
		compiled: true,
	},
}

var aliases = map[string]string{
	"c++":     "cpp",
	"js":      "javascript",
	"node":    "javascript",
	"python3": "python",
	"py":      "python",
}

// Normalize maps a user-supplied language value onto a pipeline key.
// Unsupported values fail fast, before any file I/O occurs.
func Normalize(language string) (string, error) {
	lang := strings.ToLower(strings.TrimSpace(language))
	if canonical, ok := aliases[lang]; ok {
		lang = canonical
	}
	if _, ok := pipelines[lang]; !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedLanguage, language)
	}
	return lang, nil
}

// Supported lists the canonical language names.
func Supported() []string {
	names := make([]string, 0, len(pipelines))
	for name := range pipelines {
		names = append(names, name)
	}
	return names
}
