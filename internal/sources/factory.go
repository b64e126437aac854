package sources

import (
	"fmt"
	"time"
)

// entityForType maps each source type onto the target entity its
// records land in.
var entityForType = map[string]string{
	TypeSIS:          "students",
	TypeAssessment:   "assessment_results",
	TypeIntervention: "intervention_records",
}

// EntityForType returns the target entity a source type writes to.
func EntityForType(sourceType string) (string, error) {
	entity, ok := entityForType[sourceType]
	if !ok {
		return "", fmt.Errorf("unknown source type %q", sourceType)
	}
	return entity, nil
}

// Spec describes one configured source, decoupled from the config
// package so adapters can be built from tests directly.
type Spec struct {
	Name          string
	Type          string
	Endpoint      string
	AuthToken     string
	MinAPIVersion string
	CallTimeout   time.Duration
}

// NewAdapter builds the adapter for a configured source.
func NewAdapter(spec Spec) (Adapter, error) {
	entity, err := EntityForType(spec.Type)
	if err != nil {
		return nil, err
	}

	opts := []HTTPOption{}
	if spec.AuthToken != "" {
		opts = append(opts, WithAuthToken(spec.AuthToken))
	}
	if spec.MinAPIVersion != "" {
		opts = append(opts, WithMinAPIVersion(spec.MinAPIVersion))
	}
	if spec.CallTimeout > 0 {
		opts = append(opts, WithCallTimeout(spec.CallTimeout))
	}
	return NewHTTPAdapter(spec.Name, spec.Type, spec.Endpoint, entity, opts...)
}
