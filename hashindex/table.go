package hashindex

import "sync"

// Entry is the fingerprint of one cluster.
type Entry struct {
	ClusterID   int
	Fingerprint []float64
}

// Table is the append-only list of entries in arrival order. Entries are never updated or
// removed.
type Table struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[int]int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{byID: map[int]int{}}
}

// Append adds the fingerprint of clusterID. A second fingerprint for the same id is ignored
// and reported by returning false.
func (t *Table) Append(clusterID int, fingerprint []float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[clusterID]; ok {
		return false
	}
	t.byID[clusterID] = len(t.entries)
	t.entries = append(t.entries, Entry{ClusterID: clusterID, Fingerprint: fingerprint})
	return true
}

// Get returns the fingerprint of clusterID.
func (t *Table) Get(clusterID int) ([]float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.byID[clusterID]
	if !ok {
		return nil, false
	}
	return t.entries[i].Fingerprint, true
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entries returns a copy of the entry list. Fingerprints are shared, callers must not modify them.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}
