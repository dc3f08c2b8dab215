package gitdiff

import (
	"path/filepath"
	"strings"

	"github.com/Javihaus/cert-code/internal/language"
	"github.com/Javihaus/cert-code/internal/trace"
)

// DetectLanguage picks the language whose registered extensions match
// the plurality of changed files. Ties break toward the language with
// the larger total changed-line count, then lexicographic identifier
// order, so detection is deterministic for a given diff and registry
// regardless of registration order.
func DetectLanguage(d trace.DiffSummary, reg *language.Registry) string {
	index := reg.ExtensionIndex()

	fileCounts := make(map[string]int)
	lineCounts := make(map[string]int)
	for _, f := range d.Files {
		ext := strings.ToLower(filepath.Ext(f.Path))
		id, ok := index[ext]
		if !ok {
			continue
		}
		fileCounts[id]++
		lineCounts[id] += f.LinesAdded + f.LinesRemoved
	}

	best := ""
	for id, files := range fileCounts {
		if best == "" {
			best = id
			continue
		}
		switch {
		case files > fileCounts[best]:
			best = id
		case files < fileCounts[best]:
		case lineCounts[id] > lineCounts[best]:
			best = id
		case lineCounts[id] < lineCounts[best]:
		case id < best:
			best = id
		}
	}

	if best == "" {
		return trace.LanguageUnknown
	}
	return best
}
