package builder

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"maps"
	"path"
	"slices"
	"time"

	"github.com/open-policy-agent/opa-bundle-sidecar/internal/sources"
)

// archiveRoot is the directory all entries live under inside the tarball.
// The evaluation agent unpacks the archive and expects this layout.
const archiveRoot = "bundles"

// Bundle is an immutable, fully built archive. It is created by Build and
// never modified afterwards; newer bundles supersede it.
type Bundle struct {
	// Data is the gzipped tarball served to the agent.
	Data []byte

	// Digest is a hash of the logical (path, content) file list. It is
	// independent of archive encoding, so re-encoding identical content
	// always yields the same digest.
	Digest string

	// Sequence increases by one with every published bundle.
	Sequence uint64

	CreatedAt time.Time
}

// Builder assembles a snapshot of policy sources into a Bundle. The output is
// a pure function of the sources: entries are flattened to
// bundles/<name>/<entry> paths in sorted order with zeroed archive metadata,
// so assembling the same snapshot twice yields byte-identical archives.
type Builder struct {
	sources     []sources.PolicySource
	sequence    uint64
	onCollision func(path string, winner sources.Key)
}

func New() *Builder {
	return &Builder{}
}

// WithSources sets the assembly input. The slice must be sorted by source key;
// Cache.Snapshot returns it that way.
func (b *Builder) WithSources(srcs []sources.PolicySource) *Builder {
	b.sources = srcs
	return b
}

func (b *Builder) WithSequence(n uint64) *Builder {
	b.sequence = n
	return b
}

// WithCollisionHandler registers a callback invoked whenever two sources
// produce the same archive path. The entry from the source sorting later by
// key has already won when the callback fires.
func (b *Builder) WithCollisionHandler(fn func(path string, winner sources.Key)) *Builder {
	b.onCollision = fn
	return b
}

func (b *Builder) Build() (*Bundle, error) {
	files := b.flatten()

	paths := slices.Sorted(maps.Keys(files))

	data, err := encode(paths, files)
	if err != nil {
		return nil, fmt.Errorf("encode archive: %w", err)
	}

	return &Bundle{
		Data:      data,
		Digest:    digest(paths, files),
		Sequence:  b.sequence,
		CreatedAt: time.Now(),
	}, nil
}

// flatten maps every admitted entry to its archive path. Sources arrive in
// key order, so when two sources produce the same path the one sorting later
// overwrites the earlier: last writer by key order wins.
func (b *Builder) flatten() map[string][]byte {
	files := make(map[string][]byte)
	for _, src := range b.sources {
		for name, content := range src.Entries {
			p := path.Join(archiveRoot, src.Key.Name, name)
			if _, ok := files[p]; ok && b.onCollision != nil {
				b.onCollision(p, src.Key)
			}
			files[p] = content
		}
	}
	return files
}

// encode writes the file list into a gzipped tarball. Header metadata that
// would vary between runs (timestamps, ownership) is zeroed so the bytes are
// a pure function of the logical content.
func encode(paths []string, files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer

	gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(gz)

	for _, p := range paths {
		content := files[p]
		hdr := &tar.Header{
			Name: p,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// digest hashes the logical file list with length framing so that no two
// distinct lists can collide on concatenation boundaries.
func digest(paths []string, files map[string][]byte) string {
	h := sha256.New()
	var n [8]byte
	for _, p := range paths {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
		binary.BigEndian.PutUint64(n[:], uint64(len(files[p])))
		h.Write(n[:])
		h.Write(files[p])
	}
	return hex.EncodeToString(h.Sum(nil))
}
