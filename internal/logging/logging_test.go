package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/open-policy-agent/opa-bundle-sidecar/internal/logging"
)

func TestWithFieldAnnotatesOutput(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewLogger(logging.Config{Level: logging.LevelInfo, Output: &buf})

	log.WithField("component", "watch").Infof("hello %s", "world")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["component"] != "watch" {
		t.Fatalf("expected component field on the entry, got %v", entry)
	}
	if entry["message"] != "hello world" {
		t.Fatalf("unexpected message in %v", entry)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewLogger(logging.Config{Level: logging.LevelWarn, Output: &buf})

	log.Infof("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info must be filtered at warn level, got %q", buf.String())
	}

	log.Warnf("kept")
	if buf.Len() == 0 {
		t.Fatal("warn must be emitted at warn level")
	}
}
