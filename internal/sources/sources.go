package sources

import (
	"bytes"
	"cmp"
	"maps"

	"github.com/gobwas/glob"
)

// Key is the stable identity of a policy source within the cluster.
type Key struct {
	Namespace string
	Name      string
}

func (k Key) String() string {
	return k.Namespace + "/" + k.Name
}

func (k Key) Compare(other Key) int {
	if c := cmp.Compare(k.Namespace, other.Namespace); c != 0 {
		return c
	}
	return cmp.Compare(k.Name, other.Name)
}

// PolicySource is the latest known state of one policy-source object. Entries
// map entry names to rule content. The content byte slices are never mutated
// after construction; snapshots share them.
type PolicySource struct {
	Key             Key
	ResourceVersion string
	Entries         map[string][]byte
}

func (s PolicySource) Equal(other PolicySource) bool {
	return s.Key == other.Key &&
		maps.EqualFunc(s.Entries, other.Entries, bytes.Equal)
}

// Admission decides which entries of a source are admitted to bundles.
// Entries failing a rule are dropped individually; siblings are kept.
type Admission struct {
	// MaxEntryBytes excludes entries whose content exceeds the ceiling.
	// Zero means no ceiling.
	MaxEntryBytes int64

	// Excluded drops entries whose name matches any pattern.
	Excluded []glob.Glob
}

const (
	DropReasonTooLarge = "too_large"
	DropReasonExcluded = "excluded"
)

// Admit returns the admitted subset of entries and the names of dropped
// entries keyed by drop reason. The input map is not modified.
func (a Admission) Admit(entries map[string][]byte) (map[string][]byte, map[string]string) {
	admitted := make(map[string][]byte, len(entries))
	var dropped map[string]string

	drop := func(name, reason string) {
		if dropped == nil {
			dropped = make(map[string]string)
		}
		dropped[name] = reason
	}

next:
	for name, content := range entries {
		for _, g := range a.Excluded {
			if g.Match(name) {
				drop(name, DropReasonExcluded)
				continue next
			}
		}
		if a.MaxEntryBytes > 0 && int64(len(content)) > a.MaxEntryBytes {
			drop(name, DropReasonTooLarge)
			continue
		}
		admitted[name] = content
	}

	return admitted, dropped
}
