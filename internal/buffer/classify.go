package buffer

import "strings"

// errorMarkers is the fixed, case-sensitive substring list used to classify a
// line as error-triggering. Deliberately a substring match, not a parser:
// false positives are acceptable, false negatives are the risk to minimize.
var errorMarkers = []string{
	"error",
	"Error",
	"ERROR",
	"Failed",
	"Cannot find",
	"Module not found",
	// Tool-specific markers.
	"npm ERR!",
	"SyntaxError",
	"Traceback (most recent call last)",
	"UnhandledPromiseRejection",
	"ENOENT",
}

// IsErrorLine reports whether a line matches any error marker.
func IsErrorLine(line string) bool {
	for _, marker := range errorMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}
