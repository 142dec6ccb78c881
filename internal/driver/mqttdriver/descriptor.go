package mqttdriver

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Descriptor declares the operations a platform bridge exposes.
// It plays the same role for the bridge that a device manifest plays for
// hardware: the engine refuses to load narratives that name operations the
// descriptor does not list.
type Descriptor struct {
	Version    int      `yaml:"version"`
	Platform   string   `yaml:"platform"`
	Operations []string `yaml:"operations"`
}

// LoadDescriptor reads and validates a platform descriptor file.
func LoadDescriptor(path string) (*Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var d Descriptor
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, err
	}

	if d.Version != 1 {
		return nil, fmt.Errorf("unsupported platform descriptor version: %d", d.Version)
	}
	if d.Platform == "" {
		return nil, fmt.Errorf("platform descriptor missing platform name")
	}
	if len(d.Operations) == 0 {
		return nil, fmt.Errorf("platform descriptor lists no operations")
	}

	return &d, nil
}
