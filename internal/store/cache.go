package store

import (
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"skippy/internal/tia"
)

// snapshotCacheSize bounds how many decoded snapshots a repository keeps.
const snapshotCacheSize = 16

// cachedSnapshot is a decoded snapshot and the file state it was read from.
type cachedSnapshot struct {
	analysis *tia.Analysis
	size     int64
	modTime  time.Time
}

func newSnapshotCache() *lru.Cache[string, cachedSnapshot] {
	// New only fails for a non-positive size.
	c, _ := lru.New[string, cachedSnapshot](snapshotCacheSize)
	return c
}

// cachedAnalysis returns a copy of the cached snapshot id if its object
// file is still the one it was decoded from.
func (r *Repository) cachedAnalysis(id string) (*tia.Analysis, bool) {
	entry, ok := r.snapshots.Get(id)
	if !ok {
		return nil, false
	}
	info, err := os.Stat(r.objectPath(KindSnapshot, id))
	if err != nil || info.Size() != entry.size || !info.ModTime().Equal(entry.modTime) {
		r.snapshots.Remove(id)
		return nil, false
	}
	return entry.analysis.Clone(), true
}

func (r *Repository) cacheAnalysis(id string, a *tia.Analysis) {
	info, err := os.Stat(r.objectPath(KindSnapshot, id))
	if err != nil {
		return
	}
	r.snapshots.Add(id, cachedSnapshot{analysis: a.Clone(), size: info.Size(), modTime: info.ModTime()})
}
