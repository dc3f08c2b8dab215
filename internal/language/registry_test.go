package language

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterOverwrites(t *testing.T) {
	r := NewRegistry(Defaults())

	d, err := r.Resolve("python")
	require.NoError(t, err)
	assert.Equal(t, "pytest --tb=short -q", d.TestCommand)

	r.Register(Descriptor{
		ID:          "python",
		Extensions:  []string{".py"},
		TestCommand: "pytest -x --tb=short",
	})

	d, err = r.Resolve("python")
	require.NoError(t, err)
	assert.Equal(t, "pytest -x --tb=short", d.TestCommand)
	assert.Empty(t, d.LintCommand, "overwrite replaces the whole descriptor")
}

func TestResolveNormalizesIdentifier(t *testing.T) {
	r := NewRegistry(Defaults())

	for _, id := range []string{"Python", " python ", "PYTHON"} {
		d, err := r.Resolve(id)
		require.NoError(t, err, "id %q", id)
		assert.Equal(t, "python", d.ID)
	}
}

func TestResolveUnknown(t *testing.T) {
	r := NewRegistry(Defaults())
	_, err := r.Resolve("cobol")
	assert.ErrorIs(t, err, ErrUnknownLanguage)
}

func TestRegisterFillsDefaultPolicies(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(Descriptor{ID: "zig", Extensions: []string{".zig"}})

	d, err := r.Resolve("zig")
	require.NoError(t, err)
	assert.Equal(t, ScoreBinary, d.LintScore)
	assert.Equal(t, ScoreErrorsOnly, d.TypecheckScore)
}

func TestIdentifiersSorted(t *testing.T) {
	r := NewRegistry(Defaults())
	assert.Equal(t, []string{"go", "javascript", "python", "rust", "typescript"}, r.Identifiers())
}

func TestExtensionIndexRegistrationOrderIndependent(t *testing.T) {
	// Two languages claiming .rs must resolve identically however they
	// were registered.
	a := NewRegistry(nil)
	a.Register(Descriptor{ID: "rust", Extensions: []string{".rs"}})
	a.Register(Descriptor{ID: "rscript", Extensions: []string{".rs"}})

	b := NewRegistry(nil)
	b.Register(Descriptor{ID: "rscript", Extensions: []string{".rs"}})
	b.Register(Descriptor{ID: "rust", Extensions: []string{".rs"}})

	assert.Equal(t, a.ExtensionIndex(), b.ExtensionIndex())
	assert.Equal(t, "rscript", a.ExtensionIndex()[".rs"], "lexicographically smaller id wins")
}

func TestExtensionIndexLowercases(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(Descriptor{ID: "python", Extensions: []string{".PY"}})
	assert.Equal(t, "python", r.ExtensionIndex()[".py"])
}

func TestDefaultsCoverCanonicalLanguages(t *testing.T) {
	r := NewRegistry(Defaults())

	tests := []struct {
		id       string
		ext      string
		hasTest  bool
		hasLint  bool
		hasTypes bool
	}{
		{"python", ".py", true, true, true},
		{"javascript", ".js", true, true, false},
		{"typescript", ".ts", true, true, true},
		{"go", ".go", true, true, true},
		{"rust", ".rs", true, true, true},
	}
	index := r.ExtensionIndex()
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			d, err := r.Resolve(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.id, index[tt.ext])
			assert.Equal(t, tt.hasTest, d.TestCommand != "")
			assert.Equal(t, tt.hasLint, d.LintCommand != "")
			assert.Equal(t, tt.hasTypes, d.TypecheckCommand != "")
		})
	}
}
