package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/open-policy-agent/opa-bundle-sidecar/internal/config"
)

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseDefaults(t *testing.T) {
	root, err := config.Parse(write(t, `namespace: opa`))
	if err != nil {
		t.Fatal(err)
	}

	exp := &config.Root{
		Namespace:     "opa",
		LabelSelector: config.DefaultLabelSelector,
		Addr:          config.DefaultAddr,
		Debounce:      config.Duration(config.DefaultDebounce),
		Retry:         config.Duration(config.DefaultRetry),
		MaxEntryBytes: config.DefaultMaxEntryBytes,
	}
	if diff := cmp.Diff(exp, root, cmpopts.IgnoreUnexported(config.Root{}, config.Logging{})); diff != "" {
		t.Fatalf("unexpected config (-want +got):\n%s", diff)
	}
	if err := root.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestParseFull(t *testing.T) {
	root, err := config.Parse(write(t, `
namespace: opa
label_selector: "opa.stackable.tech/bundle=true"
addr: "127.0.0.1:8282"
debounce: 250ms
retry: 2s
max_entry_bytes: 65536
excluded_files:
  - "*.tmp"
  - "README*"
logging:
  level: debug
  format: text
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := root.Validate(); err != nil {
		t.Fatal(err)
	}

	if got := time.Duration(root.Debounce); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms debounce, got %v", got)
	}
	if got := time.Duration(root.Retry); got != 2*time.Second {
		t.Fatalf("expected 2s retry, got %v", got)
	}
	if root.MaxEntryBytes != 65536 {
		t.Fatalf("unexpected entry ceiling %d", root.MaxEntryBytes)
	}
	globs, err := root.CompileExcluded()
	if err != nil {
		t.Fatal(err)
	}
	if len(globs) != 2 || !globs[0].Match("junk.tmp") || globs[0].Match("rule.rego") {
		t.Fatal("exclusion globs not compiled as expected")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		note string
		yaml string
	}{
		{"missing namespace", `addr: ":3030"`},
		{"bad selector", "namespace: opa\nlabel_selector: \"a==&b\""},
		{"bad glob", "namespace: opa\nexcluded_files: [\"[\"]"},
		{"bad log level", "namespace: opa\nlogging: {level: loud}"},
		{"bad log format", "namespace: opa\nlogging: {format: xml}"},
	}

	for _, tc := range cases {
		t.Run(tc.note, func(t *testing.T) {
			root, err := config.Parse(write(t, tc.yaml))
			if err != nil {
				t.Fatal(err)
			}
			if err := root.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestParseBadDuration(t *testing.T) {
	if _, err := config.Parse(write(t, "namespace: opa\ndebounce: fast")); err == nil {
		t.Fatal("expected an error for an unparseable duration")
	}
}
