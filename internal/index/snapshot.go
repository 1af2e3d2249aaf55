package index

import (
	"sort"
	"time"
)

// ToolSnapshot maps qualified name to schema hash at an instant in time.
type ToolSnapshot struct {
	Hashes  map[string]string `json:"hashes"`
	TakenAt time.Time         `json:"taken_at"`
}

// ToolChanges is the diff between two snapshots.
type ToolChanges struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

// IsEmpty reports whether the diff carries no change at all.
func (c *ToolChanges) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

// DetectChanges diffs two snapshots. Output slices are sorted so callers
// can log and compare them deterministically.
func DetectChanges(before, after *ToolSnapshot) *ToolChanges {
	changes := &ToolChanges{}

	var beforeHashes, afterHashes map[string]string
	if before != nil {
		beforeHashes = before.Hashes
	}
	if after != nil {
		afterHashes = after.Hashes
	}

	for name, hash := range afterHashes {
		prev, ok := beforeHashes[name]
		switch {
		case !ok:
			changes.Added = append(changes.Added, name)
		case prev != hash:
			changes.Modified = append(changes.Modified, name)
		}
	}
	for name := range beforeHashes {
		if _, ok := afterHashes[name]; !ok {
			changes.Removed = append(changes.Removed, name)
		}
	}

	sort.Strings(changes.Added)
	sort.Strings(changes.Removed)
	sort.Strings(changes.Modified)
	return changes
}
