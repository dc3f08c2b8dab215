package gitdiff

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Javihaus/cert-code/internal/language"
	"github.com/Javihaus/cert-code/internal/trace"
)

func registry() *language.Registry {
	return language.NewRegistry(language.Defaults())
}

func file(path string, added, removed int) trace.FileChange {
	return trace.FileChange{Path: path, Kind: trace.ChangeModified, LinesAdded: added, LinesRemoved: removed}
}

func TestDetectLanguagePlurality(t *testing.T) {
	d := trace.DiffSummary{Files: []trace.FileChange{
		file("src/a.py", 10, 2),
		file("src/b.py", 5, 0),
		file("web/app.js", 100, 50),
	}}
	assert.Equal(t, "python", DetectLanguage(d, registry()))
}

func TestDetectLanguageTieBreaksOnChangedLines(t *testing.T) {
	d := trace.DiffSummary{Files: []trace.FileChange{
		file("src/a.py", 3, 1),
		file("web/app.ts", 50, 20),
	}}
	assert.Equal(t, "typescript", DetectLanguage(d, registry()))
}

func TestDetectLanguageFullTieBreaksLexicographically(t *testing.T) {
	d := trace.DiffSummary{Files: []trace.FileChange{
		file("src/a.py", 10, 0),
		file("src/b.go", 10, 0),
	}}
	assert.Equal(t, "go", DetectLanguage(d, registry()))
}

func TestDetectLanguageUnknown(t *testing.T) {
	tests := []struct {
		name  string
		files []trace.FileChange
	}{
		{"no files", nil},
		{"no matching extensions", []trace.FileChange{
			file("README.md", 10, 0),
			file("assets/logo.png", 0, 0),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := trace.DiffSummary{Files: tt.files}
			assert.Equal(t, trace.LanguageUnknown, DetectLanguage(d, registry()))
		})
	}
}

func TestDetectLanguageDeterministicAcrossRegistrationOrder(t *testing.T) {
	d := trace.DiffSummary{Files: []trace.FileChange{file("lib.rs", 20, 5)}}

	forward := language.NewRegistry(nil)
	forward.Register(language.Descriptor{ID: "rust", Extensions: []string{".rs"}})
	forward.Register(language.Descriptor{ID: "rscript", Extensions: []string{".rs"}})

	backward := language.NewRegistry(nil)
	backward.Register(language.Descriptor{ID: "rscript", Extensions: []string{".rs"}})
	backward.Register(language.Descriptor{ID: "rust", Extensions: []string{".rs"}})

	assert.Equal(t, DetectLanguage(d, forward), DetectLanguage(d, backward))
}

func TestDetectLanguageCaseInsensitiveExtensions(t *testing.T) {
	d := trace.DiffSummary{Files: []trace.FileChange{file("Main.PY", 5, 0)}}
	assert.Equal(t, "python", DetectLanguage(d, registry()))
}
