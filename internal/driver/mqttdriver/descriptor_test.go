package mqttdriver

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleDescriptor = `version: 1
platform: chirper
operations:
  - post_message
  - fetch_timeline
  - curate_next
`

func writeDescriptor(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "platform.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	return path
}

func TestLoadDescriptor(t *testing.T) {
	d, err := LoadDescriptor(writeDescriptor(t, sampleDescriptor))
	if err != nil {
		t.Fatalf("LoadDescriptor: %v", err)
	}
	if d.Platform != "chirper" {
		t.Errorf("expected platform chirper, got %q", d.Platform)
	}
	if len(d.Operations) != 3 || d.Operations[0] != "post_message" {
		t.Errorf("unexpected operations: %v", d.Operations)
	}
}

func TestLoadDescriptorRejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"wrong version", strings.Replace(sampleDescriptor, "version: 1", "version: 2", 1), "version"},
		{"missing platform", strings.Replace(sampleDescriptor, "platform: chirper", "platform: \"\"", 1), "platform"},
		{"no operations", "version: 1\nplatform: chirper\noperations: []\n", "operations"},
		{"malformed yaml", "version: [1\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDescriptor(writeDescriptor(t, tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestLoadDescriptorMissingFile(t *testing.T) {
	if _, err := LoadDescriptor(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
