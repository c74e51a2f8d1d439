package sources_test

import (
	"maps"
	"slices"
	"strings"
	"testing"

	"github.com/gobwas/glob"
	"github.com/google/go-cmp/cmp"

	"github.com/open-policy-agent/opa-bundle-sidecar/internal/logging"
	"github.com/open-policy-agent/opa-bundle-sidecar/internal/sources"
)

func key(ns, name string) sources.Key {
	return sources.Key{Namespace: ns, Name: name}
}

func src(ns, name string, entries map[string]string) sources.PolicySource {
	bs := make(map[string][]byte, len(entries))
	for k, v := range entries {
		bs[k] = []byte(v)
	}
	return sources.PolicySource{Key: key(ns, name), Entries: bs}
}

func TestCacheChangeReporting(t *testing.T) {
	cases := []struct {
		note  string
		steps func(t *testing.T, c *sources.Cache)
	}{
		{
			note: "first add changes",
			steps: func(t *testing.T, c *sources.Cache) {
				if !c.Upsert(src("ns", "a", map[string]string{"r.rego": "package a"})) {
					t.Fatal("expected change on first add")
				}
			},
		},
		{
			note: "duplicate add is a no-op",
			steps: func(t *testing.T, c *sources.Cache) {
				c.Upsert(src("ns", "a", map[string]string{"r.rego": "package a"}))
				if c.Upsert(src("ns", "a", map[string]string{"r.rego": "package a"})) {
					t.Fatal("expected no change on duplicate add")
				}
			},
		},
		{
			note: "revision-only update is a no-op",
			steps: func(t *testing.T, c *sources.Cache) {
				c.Upsert(src("ns", "a", map[string]string{"r.rego": "package a"}))
				update := src("ns", "a", map[string]string{"r.rego": "package a"})
				update.ResourceVersion = "2"
				if c.Upsert(update) {
					t.Fatal("expected no change when only the revision differs")
				}
			},
		},
		{
			note: "content update changes",
			steps: func(t *testing.T, c *sources.Cache) {
				c.Upsert(src("ns", "a", map[string]string{"r.rego": "package a"}))
				if !c.Upsert(src("ns", "a", map[string]string{"r.rego": "package a2"})) {
					t.Fatal("expected change on content update")
				}
			},
		},
		{
			note: "delete unknown key is a no-op",
			steps: func(t *testing.T, c *sources.Cache) {
				if c.Delete(key("ns", "missing")) {
					t.Fatal("expected no change deleting unknown key")
				}
			},
		},
		{
			note: "delete existing changes",
			steps: func(t *testing.T, c *sources.Cache) {
				c.Upsert(src("ns", "a", map[string]string{"r.rego": "package a"}))
				if !c.Delete(key("ns", "a")) {
					t.Fatal("expected change on delete")
				}
				if c.Len() != 0 {
					t.Fatalf("expected empty cache, got %d", c.Len())
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.note, func(t *testing.T) {
			tc.steps(t, sources.NewCache(sources.Admission{}, logging.NopLogger()))
		})
	}
}

func TestCacheAdmission(t *testing.T) {
	admission := sources.Admission{
		MaxEntryBytes: 16,
		Excluded:      []glob.Glob{glob.MustCompile("*.tmp")},
	}
	c := sources.NewCache(admission, logging.NopLogger())

	changed := c.Upsert(src("ns", "a", map[string]string{
		"keep.rego":  "package a",
		"big.rego":   strings.Repeat("x", 17),
		"notes.tmp":  "scratch",
		"keep2.rego": "package a2",
	}))
	if !changed {
		t.Fatal("expected change")
	}

	snapshot := c.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 source, got %d", len(snapshot))
	}

	got := slices.Sorted(maps.Keys(snapshot[0].Entries))
	exp := []string{"keep.rego", "keep2.rego"}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected admitted entries (-want +got):\n%s", diff)
	}
}

func TestCacheAllEntriesInadmissible(t *testing.T) {
	admission := sources.Admission{MaxEntryBytes: 4}
	c := sources.NewCache(admission, logging.NopLogger())

	if c.Upsert(src("ns", "a", map[string]string{"r.rego": "package too long"})) {
		t.Fatal("expected no change when every entry is dropped")
	}
	if c.Len() != 0 {
		t.Fatal("source with no admitted entries must not be cached")
	}

	// A previously valid source shrinking to nothing admissible is a delete.
	c2 := sources.NewCache(admission, logging.NopLogger())
	c2.Upsert(src("ns", "a", map[string]string{"r.rego": "ok"}))
	if !c2.Upsert(src("ns", "a", map[string]string{"r.rego": "package too long"})) {
		t.Fatal("expected change when source becomes fully inadmissible")
	}
	if c2.Len() != 0 {
		t.Fatal("expected source removal")
	}
}

func TestCacheReplace(t *testing.T) {
	c := sources.NewCache(sources.Admission{}, logging.NopLogger())
	c.Upsert(src("ns", "a", map[string]string{"r.rego": "package a"}))
	c.Upsert(src("ns", "b", map[string]string{"r.rego": "package b"}))

	// Re-sync drops a and keeps b unchanged.
	if !c.Replace([]sources.PolicySource{src("ns", "b", map[string]string{"r.rego": "package b"})}) {
		t.Fatal("expected change from reconciling snapshot")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 source after replace, got %d", c.Len())
	}

	// Identical snapshot is a no-op.
	if c.Replace([]sources.PolicySource{src("ns", "b", map[string]string{"r.rego": "package b"})}) {
		t.Fatal("expected no change from identical snapshot")
	}
}

func TestCacheSnapshotSortedAndIsolated(t *testing.T) {
	c := sources.NewCache(sources.Admission{}, logging.NopLogger())
	c.Upsert(src("ns2", "a", map[string]string{"r.rego": "x"}))
	c.Upsert(src("ns1", "z", map[string]string{"r.rego": "y"}))
	c.Upsert(src("ns1", "b", map[string]string{"r.rego": "z"}))

	snapshot := c.Snapshot()
	gotKeys := make([]string, len(snapshot))
	for i := range snapshot {
		gotKeys[i] = snapshot[i].Key.String()
	}
	expKeys := []string{"ns1/b", "ns1/z", "ns2/a"}
	if diff := cmp.Diff(expKeys, gotKeys); diff != "" {
		t.Fatalf("snapshot not sorted by key (-want +got):\n%s", diff)
	}

	// Later cache mutation must not leak into an existing snapshot.
	c.Upsert(src("ns1", "b", map[string]string{"r.rego": "changed", "extra.rego": "new"}))
	if len(snapshot[0].Entries) != 1 || string(snapshot[0].Entries["r.rego"]) != "z" {
		t.Fatal("snapshot mutated by a later cache update")
	}
}
