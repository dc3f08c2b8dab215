// Package language maps language identifiers to their verification
// command sets. The registry is pure lookup: it performs no execution
// and no detection. Built-in defaults are an explicitly constructed
// table merged into a registry at startup; project overrides layer on
// top by re-registering the same identifier.
package language

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownLanguage is returned when no descriptor is registered for
// an identifier.
var ErrUnknownLanguage = errors.New("unknown language")

// ScorePolicy decides how issue-count tools (linters, type checkers)
// that report findings without a clean pass/fail tally are scored.
type ScorePolicy string

const (
	// ScoreBinary: any issue scores 0, a clean run scores 1.
	ScoreBinary ScorePolicy = "binary"
	// ScoreErrorsOnly: warnings are ignored; only errors score 0.
	ScoreErrorsOnly ScorePolicy = "errors-only"
)

// Descriptor describes one language's verification capability set.
// Immutable once loaded into a registry. An empty command means the
// corresponding verification kind is skipped for this language.
type Descriptor struct {
	ID               string
	Extensions       []string
	TestCommand      string
	LintCommand      string
	TypecheckCommand string
	LintScore        ScorePolicy
	TypecheckScore   ScorePolicy
}

// Registry holds descriptors keyed by unique identifier.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Descriptor
}

// NewRegistry creates a registry seeded with the given descriptors.
// Later entries with duplicate identifiers overwrite earlier ones.
func NewRegistry(defaults []Descriptor) *Registry {
	r := &Registry{byID: make(map[string]Descriptor, len(defaults))}
	for _, d := range defaults {
		r.Register(d)
	}
	return r
}

// Register adds a descriptor, overwriting any existing entry with the
// same identifier. This is how project-specific command overrides layer
// over the built-in defaults.
func (r *Registry) Register(d Descriptor) {
	d.ID = strings.ToLower(strings.TrimSpace(d.ID))
	if d.LintScore == "" {
		d.LintScore = ScoreBinary
	}
	if d.TypecheckScore == "" {
		d.TypecheckScore = ScoreErrorsOnly
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[d.ID] = d
}

// Resolve returns the descriptor for an identifier.
func (r *Registry) Resolve(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownLanguage, id)
	}
	return d, nil
}

// Identifiers returns all registered identifiers in lexicographic order.
func (r *Registry) Identifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ExtensionIndex returns a lowercase extension -> identifier map across
// all registered descriptors. When two languages claim the same
// extension, the lexicographically smaller identifier wins so the index
// is independent of registration order.
func (r *Registry) ExtensionIndex() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	index := make(map[string]string)
	for id, d := range r.byID {
		for _, ext := range d.Extensions {
			ext = strings.ToLower(ext)
			if existing, ok := index[ext]; ok && existing <= id {
				continue
			}
			index[ext] = id
		}
	}
	return index
}
