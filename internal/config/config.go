package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gobwas/glob"
	"github.com/goccy/go-yaml"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/open-policy-agent/opa-bundle-sidecar/internal/logging"
)

// Internal configuration data structures for the OPA bundle sidecar.

const (
	// DefaultLabelSelector selects the ConfigMaps that carry bundle rules.
	DefaultLabelSelector = "opa.stackable.tech/bundle"

	// DefaultMaxEntryBytes mirrors the cluster's 1 MiB object-size ceiling.
	DefaultMaxEntryBytes = 1 << 20

	DefaultAddr     = ":3030"
	DefaultDebounce = 100 * time.Millisecond
	DefaultRetry    = 5 * time.Second
)

// Root is the top-level configuration structure.
type Root struct {
	// Namespace holding the policy-source ConfigMaps. Required; may also be
	// supplied via the WATCH_NAMESPACE environment variable or --namespace.
	Namespace string `json:"namespace,omitempty"`

	// LabelSelector filters the watched ConfigMaps. Any selector expression
	// accepted by the Kubernetes API is allowed; the default matches objects
	// that carry the bundle label key regardless of value.
	LabelSelector string `json:"label_selector,omitempty"`

	// Addr is the HTTP listen address for the bundle endpoint.
	Addr string `json:"addr,omitempty"`

	// Debounce is how long the rebuild coordinator waits after a change
	// before building, coalescing bursts of watch events into one build.
	Debounce Duration `json:"debounce,omitzero"`

	// Retry is how long the coordinator waits after a failed build before
	// rebuilding on its own, so a transient fault still converges on the
	// latest sources without waiting for another watch event.
	Retry Duration `json:"retry,omitzero"`

	// MaxEntryBytes caps the size of a single policy-source entry. Larger
	// entries are excluded from the bundle; their siblings are kept.
	MaxEntryBytes int64 `json:"max_entry_bytes,omitempty"`

	// ExcludedFiles holds glob patterns for entry names that must not be
	// bundled, e.g. "*.tmp".
	ExcludedFiles []string `json:"excluded_files,omitempty"`

	Logging Logging `json:"logging,omitzero"`

	_ struct{} `additionalProperties:"false"`
}

type Logging struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // json or text

	_ struct{} `additionalProperties:"false"`
}

// UnmarshalYAML implements yaml.Unmarshaler for Root so that defaults are
// applied in one place regardless of how the configuration was loaded.
func (r *Root) UnmarshalYAML(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalYAML by type aliasing
	var raw rawRoot

	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	r.setDefaults()
	return nil
}

func (r *Root) setDefaults() {
	if r.LabelSelector == "" {
		r.LabelSelector = DefaultLabelSelector
	}
	if r.Addr == "" {
		r.Addr = DefaultAddr
	}
	if r.Debounce == 0 {
		r.Debounce = Duration(DefaultDebounce)
	}
	if r.Retry == 0 {
		r.Retry = Duration(DefaultRetry)
	}
	if r.MaxEntryBytes == 0 {
		r.MaxEntryBytes = DefaultMaxEntryBytes
	}
}

// Validate checks the fields that would otherwise fail late and confusingly:
// the label selector and exclusion globs are compiled here so a typo surfaces
// at startup instead of at the first watch event.
func (r *Root) Validate() error {
	if r.Namespace == "" {
		return fmt.Errorf("namespace to watch is required (set namespace, --namespace or WATCH_NAMESPACE)")
	}
	if _, err := labels.Parse(r.LabelSelector); err != nil {
		return fmt.Errorf("invalid label selector %q: %w", r.LabelSelector, err)
	}
	if _, err := r.CompileExcluded(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(r.Logging.Level); err != nil {
		return err
	}
	if f := r.Logging.Format; f != "" && f != "json" && f != "text" {
		return fmt.Errorf("invalid log format %q", f)
	}
	return nil
}

// CompileExcluded compiles the entry-name exclusion patterns.
func (r *Root) CompileExcluded() ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(r.ExcludedFiles))
	for _, pattern := range r.ExcludedFiles {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid excluded_files pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// New returns a Root populated with defaults only.
func New() *Root {
	r := &Root{}
	r.setDefaults()
	return r
}

// Parse loads configuration from a YAML file.
func Parse(path string) (*Root, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

// Duration marshals and unmarshals as a string like "5m" or "0.5s" instead of
// an int64 nanosecond count.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	val, err := time.ParseDuration(str)
	*d = Duration(val)
	return err
}

func (d *Duration) UnmarshalYAML(bs []byte) error {
	var s string
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	*d = Duration(val)
	return err
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
