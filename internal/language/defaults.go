package language

// Defaults returns the built-in descriptor table. The table is
// constructed fresh on every call so callers can layer overrides
// without mutating shared state.
func Defaults() []Descriptor {
	return []Descriptor{
		{
			ID:               "python",
			Extensions:       []string{".py", ".pyi"},
			TestCommand:      "pytest --tb=short -q",
			LintCommand:      "ruff check --output-format=json .",
			TypecheckCommand: "mypy .",
		},
		{
			ID:          "javascript",
			Extensions:  []string{".js", ".mjs", ".cjs", ".jsx"},
			TestCommand: "npm test",
			LintCommand: "eslint --format=json .",
			// No standard type checker for plain JavaScript.
		},
		{
			ID:               "typescript",
			Extensions:       []string{".ts", ".tsx"},
			TestCommand:      "npm test",
			LintCommand:      "eslint --format=json .",
			TypecheckCommand: "tsc --noEmit",
		},
		{
			ID:               "go",
			Extensions:       []string{".go"},
			TestCommand:      "go test -json ./...",
			LintCommand:      "golangci-lint run --out-format=json",
			TypecheckCommand: "go vet ./...",
		},
		{
			ID:               "rust",
			Extensions:       []string{".rs"},
			TestCommand:      "cargo test",
			LintCommand:      "cargo clippy --message-format=json",
			TypecheckCommand: "cargo check",
		},
	}
}
