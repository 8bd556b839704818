package api

import "testing"

func TestLanguageForPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{"/src/App.tsx", "typescript"},
		{"/src/index.ts", "typescript"},
		{"/src/main.jsx", "javascript"},
		{"/lib/util.js", "javascript"},
		{"/server/app.py", "python"},
		{"/cmd/main.go", "go"},
		{"/styles/site.scss", "scss"},
		{"/public/index.html", "html"},
		{"/config.yaml", "yaml"},
		{"/README.md", "markdown"},
		{"/Makefile", LanguageUnknown},
		{"/data/file.xyz", LanguageUnknown},
		{"", LanguageUnknown},
	}

	for _, tt := range tests {
		if got := LanguageForPath(tt.path); got != tt.want {
			t.Fatalf("LanguageForPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
