package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/capengine/cap/pkg/capapi"
)

// Parse decodes a Policy V2 source document. The wire format is YAML,
// matching the teacher's convention of using gopkg.in/yaml.v3 for every
// structured config/source document; JSON is also accepted since it is a
// YAML subset.
func Parse(raw []byte) (*Source, error) {
	var src Source
	if err := yaml.Unmarshal(raw, &src); err != nil {
		return nil, capapi.Wrap(capapi.KindInvalidInput, err, "parse policy source")
	}
	if src.ID == "" {
		return nil, capapi.New(capapi.KindInvalidInput, "policy source missing id")
	}
	if src.Version == "" {
		return nil, capapi.New(capapi.KindInvalidInput, "policy source missing version")
	}
	for i, r := range src.Rules {
		if r.ID == "" {
			return nil, capapi.New(capapi.KindInvalidInput, "rule %d missing id", i)
		}
	}
	return &src, nil
}

// Serialize renders a Source back to YAML, for round-trip testing and for
// persisting the author's original document alongside its compiled form.
func Serialize(src *Source) ([]byte, error) {
	out, err := yaml.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("policy: serialize: %w", err)
	}
	return out, nil
}
