package sources

import (
	"maps"
	"slices"
	"sync"

	"github.com/open-policy-agent/opa-bundle-sidecar/internal/logging"
	"github.com/open-policy-agent/opa-bundle-sidecar/internal/metrics"
)

// Cache holds the latest admitted state of every policy source delivered by
// the watch feed. It is written by the single event-consuming task and read
// concurrently by the rebuild coordinator via Snapshot. Every mutator returns
// whether the observable cache content changed, which is what decides whether
// a rebuild is warranted.
type Cache struct {
	mu        sync.RWMutex
	sources   map[Key]PolicySource
	admission Admission
	log       *logging.Logger
}

func NewCache(admission Admission, log *logging.Logger) *Cache {
	return &Cache{
		sources:   make(map[Key]PolicySource),
		admission: admission,
		log:       log,
	}
}

// Upsert applies an add or update notification. A source whose entries are
// all inadmissible is excluded entirely, which counts as a delete if the
// source was previously cached.
func (c *Cache) Upsert(src PolicySource) bool {
	admitted := c.admit(src)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(admitted.Entries) == 0 {
		return c.deleteLocked(src.Key)
	}

	if existing, ok := c.sources[src.Key]; ok && existing.Equal(admitted) {
		return false
	}

	c.sources[src.Key] = admitted
	metrics.SetSourcesCached(len(c.sources))
	return true
}

// Delete applies a delete notification. Deleting an unknown key is a no-op.
func (c *Cache) Delete(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(key)
}

func (c *Cache) deleteLocked(key Key) bool {
	if _, ok := c.sources[key]; !ok {
		return false
	}
	delete(c.sources, key)
	metrics.SetSourcesCached(len(c.sources))
	return true
}

// Replace swaps the entire cache content for the given snapshot, used to
// re-synchronize after the watch feed has been re-established. Sources no
// longer present in the snapshot are removed.
func (c *Cache) Replace(srcs []PolicySource) bool {
	replacement := make(map[Key]PolicySource, len(srcs))
	for _, src := range srcs {
		if admitted := c.admit(src); len(admitted.Entries) > 0 {
			replacement[src.Key] = admitted
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if maps.EqualFunc(c.sources, replacement, PolicySource.Equal) {
		return false
	}

	c.sources = replacement
	metrics.SetSourcesCached(len(c.sources))
	return true
}

// Snapshot returns the cached sources sorted by key. The returned slice and
// its entry maps are copies; the content byte slices are shared but immutable
// by convention, so the snapshot never changes under the caller.
func (c *Cache) Snapshot() []PolicySource {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make([]PolicySource, 0, len(c.sources))
	for _, src := range c.sources {
		src.Entries = maps.Clone(src.Entries)
		snapshot = append(snapshot, src)
	}
	slices.SortFunc(snapshot, func(a, b PolicySource) int {
		return a.Key.Compare(b.Key)
	})
	return snapshot
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sources)
}

func (c *Cache) admit(src PolicySource) PolicySource {
	admitted, dropped := c.admission.Admit(src.Entries)
	for name, reason := range dropped {
		c.log.Warnf("dropping entry %q of source %v: %s", name, src.Key, reason)
		metrics.EntryDropped(reason)
	}
	return PolicySource{Key: src.Key, ResourceVersion: src.ResourceVersion, Entries: admitted}
}
