package api

import (
	"path"
	"strings"
)

// LanguageUnknown is reported for extensions without a table entry.
const LanguageUnknown = "plaintext"

// Extension→language table used when submitting file syncs. Deliberately a
// fixed table, not detection by content.
var languageByExtension = map[string]string{
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".py":   "python",
	".go":   "go",
	".rb":   "ruby",
	".rs":   "rust",
	".java": "java",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cs":   "csharp",
	".php":  "php",
	".css":  "css",
	".scss": "scss",
	".html": "html",
	".vue":  "vue",
	".json": "json",
	".md":   "markdown",
	".yml":  "yaml",
	".yaml": "yaml",
	".toml": "toml",
	".sh":   "shell",
	".sql":  "sql",
}

// LanguageForPath derives the sync language from a file path's extension.
func LanguageForPath(filePath string) string {
	ext := strings.ToLower(path.Ext(strings.TrimSpace(filePath)))
	if language, ok := languageByExtension[ext]; ok {
		return language
	}
	return LanguageUnknown
}
