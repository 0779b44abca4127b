// ABOUTME: Read-mostly registry mapping analysis session IDs to discovered resume issues
// ABOUTME: Populated once per analysis run by the upstream analysis service

package issue

import (
	"sync"
)

// Issue is one problem the analysis pass found in a resume. Read-only here.
type Issue struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	OriginalContent string `json:"original_content"`
	Impact          string `json:"impact"`
	Suggestion      string `json:"suggestion"`
}

// Registry is a keyed lookup from analysis session IDs to issue lists.
// The analysis subsystem writes each entry once; the orchestrator only reads.
type Registry struct {
	mu      sync.RWMutex
	entries map[string][]Issue
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string][]Issue)}
}

// Put records the issues discovered for an analysis run, replacing any
// previous entry for the same ID.
func (r *Registry) Put(analysisID string, issues []Issue) {
	copied := make([]Issue, len(issues))
	copy(copied, issues)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[analysisID] = copied
}

// Get returns the issues for an analysis run. The returned slice is a copy.
func (r *Registry) Get(analysisID string) ([]Issue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	issues, ok := r.entries[analysisID]
	if !ok {
		return nil, false
	}
	copied := make([]Issue, len(issues))
	copy(copied, issues)
	return copied, true
}

// Find returns the issue with the given ID within an analysis run.
func (r *Registry) Find(analysisID, issueID string) (Issue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, is := range r.entries[analysisID] {
		if is.ID == issueID {
			return is, true
		}
	}
	return Issue{}, false
}
