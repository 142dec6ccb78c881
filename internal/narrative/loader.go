package narrative

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Workflow files are version-gated YAML documents:
//
//	version: 1
//	narratives:
//	  - name: post_story
//	    acts:
//	      - op: create_post
//	        params:
//	          channel: "${state:channel_id}"
//	        capture:
//	          id: post_id
type fileDoc struct {
	Version    int            `yaml:"version"`
	Narratives []narrativeDoc `yaml:"narratives"`
}

type narrativeDoc struct {
	Name string   `yaml:"name"`
	Acts []actDoc `yaml:"acts"`
}

type actDoc struct {
	Op      string                 `yaml:"op"`
	Params  map[string]interface{} `yaml:"params"`
	Capture map[string]string      `yaml:"capture"`
}

// Load parses one workflow source into narratives, in document order.
// Structural YAML failures surface as ParseError, schema violations as
// SchemaError. Loading has no side effect and never touches the driver;
// name collisions are resolved by the registry (last write wins).
func Load(r io.Reader, source string) ([]Narrative, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc fileDoc
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Source: source, Err: errors.New("empty document")}
		}
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			return nil, &SchemaError{Source: source, Reason: typeErr.Error()}
		}
		return nil, &ParseError{Source: source, Err: err}
	}

	if doc.Version != 1 {
		return nil, &SchemaError{Source: source, Reason: fmt.Sprintf("unsupported workflow version: %d", doc.Version)}
	}
	if len(doc.Narratives) == 0 {
		return nil, &SchemaError{Source: source, Reason: "no narratives defined"}
	}

	out := make([]Narrative, 0, len(doc.Narratives))
	for _, nd := range doc.Narratives {
		if nd.Name == "" {
			return nil, &SchemaError{Source: source, Reason: "narrative missing name"}
		}
		if len(nd.Acts) == 0 {
			return nil, &SchemaError{Source: source, Narrative: nd.Name, Reason: "narrative has no acts"}
		}

		acts := make([]Act, 0, len(nd.Acts))
		for i, ad := range nd.Acts {
			if ad.Op == "" {
				return nil, &SchemaError{Source: source, Narrative: nd.Name, Act: i + 1, Reason: "act missing op"}
			}
			for field, key := range ad.Capture {
				if field == "" || key == "" {
					return nil, &SchemaError{Source: source, Narrative: nd.Name, Act: i + 1,
						Reason: "capture entries need both an output field and a state key"}
				}
			}
			acts = append(acts, Act{Operation: ad.Op, Params: ad.Params, Capture: ad.Capture})
		}

		out = append(out, Narrative{Name: nd.Name, Acts: acts})
	}

	return out, nil
}

// LoadFile parses the workflow file at path.
func LoadFile(path string) ([]Narrative, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return Load(bytes.NewReader(data), path)
}
